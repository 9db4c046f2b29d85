// Package executor 代码执行协作方: 接收编辑器里的代码文本, 返回捕获的
// 文本输出或错误行。契约: Execute 永不把 error 抛出边界 — 执行失败以
// "Error: ..." 行的形式出现在输出字符串里, 调用方直接把结果回传给用户。
//
// 安全约束: 临时目录隔离 · 进程组管理 · 信号量限流 · 输出上限。
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	pkgerr "github.com/ide-agent/go-ide-gateway/pkg/errors"
	"github.com/ide-agent/go-ide-gateway/pkg/logger"
	"github.com/ide-agent/go-ide-gateway/pkg/util"
)

// maxConcurrentRuns 信号量容量 — 单实例最大并发执行数。
const maxConcurrentRuns = 2

// Runner 代码执行引擎。
//
// 每个实例拥有独立的临时目录根 (tempRoot), 互不干扰;
// 信号量 (sem) 限制并发执行数, 防止资源耗尽。
type Runner struct {
	language  string        // python / go / javascript
	timeout   time.Duration // 单次执行超时
	maxOutput int           // stdout+stderr 聚合输出上限 (字节)
	sem       chan struct{}
	tempRoot  string
}

// NewRunner 创建执行引擎并建立实例级临时目录。
func NewRunner(language string, timeout time.Duration, maxOutputBytes int) (*Runner, error) {
	tempRoot, err := os.MkdirTemp("", "ide_exec_")
	if err != nil {
		return nil, pkgerr.Wrap(err, "executor.NewRunner", "create tempRoot")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = 512 * 1024
	}
	r := &Runner{
		language:  normalizeLanguage(language),
		timeout:   timeout,
		maxOutput: maxOutputBytes,
		sem:       make(chan struct{}, maxConcurrentRuns),
		tempRoot:  tempRoot,
	}
	logger.Info("executor: initialized",
		logger.FieldLanguage, r.language,
		"temp_root", tempRoot,
		logger.FieldDurationMS, timeout.Milliseconds())
	return r, nil
}

// Cleanup 清理实例级临时目录。应在进程收尾时调用。
func (r *Runner) Cleanup() {
	if r.tempRoot != "" {
		if err := os.RemoveAll(r.tempRoot); err != nil {
			logger.Warn("executor: cleanup tempRoot failed", logger.FieldError, err, logger.FieldPath, r.tempRoot)
		}
	}
}

// Execute 执行一段代码并返回捕获输出。任何失败都折叠成输出文本,
// 不向调用方返回 error。
func (r *Runner) Execute(ctx context.Context, code string) string {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return "Error: execution cancelled before start"
	}

	start := time.Now()
	output, exitCode, truncated := r.runScript(ctx, code)
	logger.Info("executor: completed",
		logger.FieldLanguage, r.language,
		logger.FieldExitCode, exitCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		"output_len", len(output),
		"truncated", truncated)

	output = strings.TrimRight(output, "\n")
	if exitCode != 0 && !strings.Contains(output, "Error:") {
		if output != "" {
			output += "\n"
		}
		output += fmt.Sprintf("Error: process exited with code %d", exitCode)
	}
	return output
}

func (r *Runner) runScript(ctx context.Context, code string) (output string, exitCode int, truncated bool) {
	dir, err := os.MkdirTemp(r.tempRoot, "run_")
	if err != nil {
		return fmt.Sprintf("Error: %v", err), -1, false
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Debug("executor: cleanup failed", logger.FieldPath, dir, logger.FieldError, err)
		}
	}()

	name, args, werr := r.writeScript(dir, code)
	if werr != nil {
		return fmt.Sprintf("Error: %v", werr), -1, false
	}
	return r.execCommand(ctx, dir, name, args...)
}

// writeScript 把代码落盘并返回解释器命令行。
func (r *Runner) writeScript(dir, code string) (name string, args []string, err error) {
	switch r.language {
	case "python":
		file := filepath.Join(dir, "main.py")
		if err := os.WriteFile(file, []byte(code), 0o644); err != nil {
			return "", nil, err
		}
		return "python3", []string{file}, nil
	case "javascript":
		file := filepath.Join(dir, "main.js")
		if err := os.WriteFile(file, []byte(code), 0o644); err != nil {
			return "", nil, err
		}
		return "node", []string{file}, nil
	case "go":
		file := filepath.Join(dir, "main.go")
		if err := os.WriteFile(file, []byte(code), 0o644); err != nil {
			return "", nil, err
		}
		return "go", []string{"run", file}, nil
	default:
		return "", nil, fmt.Errorf("unsupported language: %s", r.language)
	}
}

// execCommand 执行解释器进程。
//
// 安全:
//   - Setpgid=true: 独立进程组, 超时时 kill 整个组
//   - stdout+stderr 聚合进同一个 LimitedWriter
//   - cmd.WaitDelay 兜底 "进程被杀但 pipe 未关" 的 Wait 阻塞
func (r *Runner) execCommand(ctx context.Context, dir, name string, args ...string) (output string, exitCode int, truncated bool) {
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = 2 * time.Second

	var combined bytes.Buffer
	lw := util.NewLimitedWriter(&combined, r.maxOutput)
	cmd.Stdout = lw
	cmd.Stderr = lw

	err := cmd.Run()
	exitCode = 0
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return combined.String() + "\n--- TIMEOUT ---\n", -1, lw.Overflow()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			// 解释器不存在等启动失败
			return fmt.Sprintf("Error: %v", err), -1, lw.Overflow()
		}
	}
	return combined.String(), exitCode, lw.Overflow()
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		logger.Debug("executor: kill process group failed", logger.FieldError, err)
	}
}

func normalizeLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "js", "javascript", "node":
		return "javascript"
	case "go", "golang":
		return "go"
	case "", "py", "python", "python3":
		return "python"
	default:
		return strings.ToLower(strings.TrimSpace(lang))
	}
}
