// Package policy decides whether a user may start a call. Decisions come from
// an OPA rego module; a built-in module is used unless a policy directory is
// configured.
package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// DecisionQuery is the rego query evaluated for every call start
const DecisionQuery = "data.talktime.admission.decision"

//go:embed rego/*.rego
var builtinPolicies embed.FS

// Input is the document the admission policy is evaluated against
type Input struct {
	UserID             string `json:"user_id"`
	RecordKnown        bool   `json:"record_known"`
	RemainingSeconds   int64  `json:"remaining_seconds"`
	ActiveCalls        int    `json:"active_calls"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
}

// Decision is the result of an admission evaluation
type Decision struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons"`
}

// Engine wraps OPA rego engine for admission decisions
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]*ast.Module
}

// NewEngine creates a new admission engine. An empty policyDir selects the
// built-in policy.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "policy").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	source := policyDir
	if source == "" {
		source = "builtin"
	}
	e.logger.Info().Str("source", source).Msg("Admission policy initialized")

	return e, nil
}

// load reads, parses and prepares the policy modules, then swaps them in.
func (e *Engine) load() error {
	var (
		modules map[string]*ast.Module
		err     error
	)
	if e.policyDir == "" {
		modules, err = loadBuiltin()
	} else {
		modules, err = loadDir(e.policyDir)
	}
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := make([]func(*rego.Rego), 0, len(modules)+1)
	opts = append(opts, rego.Query(DecisionQuery))
	for name, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
		e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare admission query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	return nil
}

func loadBuiltin() (map[string]*ast.Module, error) {
	files, err := builtinPolicies.ReadDir("rego")
	if err != nil {
		return nil, err
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, f := range files {
		name := "rego/" + f.Name()
		content, err := builtinPolicies.ReadFile(name)
		if err != nil {
			return nil, err
		}
		module, err := ast.ParseModule(name, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		modules[name] = module
	}
	return modules, nil
}

// loadDir loads all .rego files from dir
func loadDir(dir string) (map[string]*ast.Module, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", dir)
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		modules[file] = module
	}
	return modules, nil
}

// Evaluate runs the admission policy against input
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	results, err := query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("admission query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Str("user_id", input.UserID).Msg("Admission query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no results from admission query")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal admission decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal admission decision: %w", err)
	}

	return &decision, nil
}

// toDocument converts input into the generic form rego evaluates.
func toDocument(input Input) (map[string]interface{}, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Reload reloads the policy. On failure the previous policy stays active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading admission policy")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("Admission policy reloaded successfully")
	return nil
}
