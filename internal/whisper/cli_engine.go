package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// CLIEngine runs the whisper-cli binary as a child process per call. The
// binary and model are resolved once at startup; the handle itself carries
// no per-job state, so calls only need to be serialized by the dispatcher
// to bound resource usage, not for correctness.
type CLIEngine struct {
	Executable string
	ModelPath  string
	Language   string
	Device     string
	Logger     *zap.Logger
}

type EngineOptions struct {
	Executable string
	ModelPath  string
	Language   string
	Device     string
}

func NewCLIEngine(opts EngineOptions, logger *zap.Logger) (*CLIEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}

	executable, err := resolveEnginePath(opts.Executable)
	if err != nil {
		return nil, err
	}

	return &CLIEngine{
		Executable: executable,
		ModelPath:  opts.ModelPath,
		Language:   opts.Language,
		Device:     opts.Device,
		Logger:     logger,
	}, nil
}

func resolveEnginePath(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("configured whisper path is not executable: %w", err)
		}
		return override, nil
	}

	if env := strings.TrimSpace(os.Getenv("VOXSERVE_WHISPER_PATH")); env != "" {
		if err := ensureExecutable(env); err != nil {
			return "", fmt.Errorf("VOXSERVE_WHISPER_PATH is not executable: %w", err)
		}
		return env, nil
	}

	serverExe, err := os.Executable()
	if err == nil {
		for _, candidate := range enginePathCandidates(serverExe) {
			if err := ensureExecutable(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	if path, err := exec.LookPath(engineBinaryName()); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("whisper engine not found; install %s on PATH or set VOXSERVE_WHISPER_PATH", engineBinaryName())
}

func enginePathCandidates(serverExecutable string) []string {
	binDir := filepath.Dir(serverExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, engineName),
	}
}

func (e *CLIEngine) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	if strings.TrimSpace(audioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}

	outBase := filepath.Join(os.TempDir(), "voxserve-"+xid.New().String())
	jsonOut := outBase + ".json"

	args := []string{"-m", e.ModelPath, "-f", audioPath, "-oj", "-ojf", "-of", outBase}
	if lang := strings.TrimSpace(e.Language); lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	if e.Device == "cpu" {
		args = append(args, "-ng")
	}

	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	e.Logger.Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		_ = os.Remove(jsonOut)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}

		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Result{}, fmt.Errorf("whisper engine at %s is missing required shared libraries (%s)", e.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return Result{}, fmt.Errorf("whisper engine crashed with an illegal CPU instruction; set VOXSERVE_WHISPER_PATH to a binary built for this CPU")
		}
		return Result{}, fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	defer os.Remove(jsonOut)
	content, err := os.ReadFile(jsonOut)
	if err != nil {
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}

	return parseEngineOutput(content)
}

type engineOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text   string `json:"text"`
		Tokens []struct {
			P float64 `json:"p"`
		} `json:"tokens"`
	} `json:"transcription"`
}

func parseEngineOutput(content []byte) (Result, error) {
	var out engineOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return Result{}, fmt.Errorf("parse whisper output: %w", err)
	}

	result := Result{Language: out.Result.Language}

	var probSum float64
	var probCount int
	for _, item := range out.Transcription {
		result.Segments = append(result.Segments, Segment{
			Start: time.Duration(item.Offsets.From) * time.Millisecond,
			End:   time.Duration(item.Offsets.To) * time.Millisecond,
			Text:  item.Text,
		})
		for _, token := range item.Tokens {
			probSum += token.P
			probCount++
		}
	}

	if probCount > 0 {
		result.Probability = probSum / float64(probCount)
	}

	return result, nil
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
