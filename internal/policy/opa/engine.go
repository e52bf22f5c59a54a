package opa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// AccessQuery is the rule policies define to deny access. It is a set of
// human-readable messages; any member denies.
const AccessQuery = "data.ktime.access.deny"

// Engine wraps OPA rego engine for access policy evaluation
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu          sync.RWMutex
	accessQuery rego.PreparedEvalQuery
	modules     map[string]string
}

// NewEngine creates a new OPA engine from the *.rego files in policyDir
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("policy_dir", policyDir).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies reads and parses all .rego files from the policy directory
func (e *Engine) loadPolicies() (map[string]string, error) {
	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		// Parse the module to report syntax errors per file
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = string(content)
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// prepareAccessQuery compiles the access query against the given modules
func prepareAccessQuery(modules map[string]string) (rego.PreparedEvalQuery, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(AccessQuery)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare access query: %w", err)
	}
	return query, nil
}

// EvaluateAccess returns the deny messages produced for input
func (e *Engine) EvaluateAccess(ctx context.Context, input map[string]interface{}) ([]string, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.accessQuery
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("access query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Access query evaluated")

	// Undefined deny means nothing objects
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("deny is not a set: %T", results[0].Expressions[0].Value)
	}

	messages := make([]string, 0, len(values))
	for _, v := range values {
		messages = append(messages, fmt.Sprint(v))
	}
	sort.Strings(messages)

	return messages, nil
}

// Reload reloads all policies from disk. The previous policies stay in
// force when the new set fails to compile.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepareAccessQuery(modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.modules = modules
	e.accessQuery = query
	e.mu.Unlock()

	e.logger.Info().Int("modules", len(modules)).Msg("OPA policies loaded")

	return nil
}

// PolicyDir returns the directory policies are loaded from
func (e *Engine) PolicyDir() string {
	return e.policyDir
}
