// Package detect is an optional diagnostic layer over the Audit Log: it
// evaluates Sigma rules against classification records to flag
// suspicious patterns (e.g. repeated namespace-not-yet-separated
// outcomes for the same target, or a hide-set entry that never gets an
// isolated_match). Nothing in the Trace Supervisor reads its output —
// detection is observability, same as the audit log itself, and a rule
// load or evaluation failure never affects classification.
//
// Grounded on sigma/sigma.go's Detector (rule loading, fsnotify-driven
// reload, evaluator.ForRule wiring), re-pointed at this repository's
// audit.Record instead of a generic process/network/dns event bus.
package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sigma "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/Fallengif/Magisk/internal/audit"
)

// Match is one rule match against a classification record.
type Match struct {
	RuleID     string
	RuleTitle  string
	Conditions []string
	Record     audit.Record
}

// config maps audit.Record's fields to the names its Sigma rules
// reference, mirroring createHardcodedConfig's CommandLine/Image/User
// field mappings.
var config = sigma.Config{
	Title: "hidemond rule config",
	FieldMappings: map[string]sigma.FieldMapping{
		"ProcessId": {TargetNames: []string{"PID"}},
		"User":      {TargetNames: []string{"UID"}},
		"Image":     {TargetNames: []string{"Comm"}},
		"Outcome":   {TargetNames: []string{"Outcome"}},
		"Detail":    {TargetNames: []string{"Detail"}},
	},
}

// RuleDetector loads Sigma rules from a directory and evaluates them
// against audit records as the supervisor appends them. The zero value
// is not usable; construct with Open.
type RuleDetector struct {
	rulesDir string
	watcher  *fsnotify.Watcher

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
}

// Open loads every *.yml/*.yaml rule in rulesDir and starts watching it
// for changes. A rulesDir that does not exist yet is created empty, so
// a fresh install with no rules runs with detection simply finding
// nothing, never erroring.
func Open(rulesDir string) (*RuleDetector, error) {
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		return nil, fmt.Errorf("detect: create rules dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("detect: create watcher: %w", err)
	}
	if err := watcher.Add(rulesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("detect: watch %s: %w", rulesDir, err)
	}

	rd := &RuleDetector{
		rulesDir:   rulesDir,
		watcher:    watcher,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
	}

	if err := rd.reload(); err != nil {
		watcher.Close()
		return nil, err
	}

	go rd.watch()

	return rd, nil
}

// watch reloads the rule set on every write/create/remove/rename under
// rulesDir, mirroring watchFileChanges's always-reload-on-any-touch
// behavior rather than trying to diff the change.
func (rd *RuleDetector) watch() {
	for {
		select {
		case ev, ok := <-rd.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yml") && !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := rd.reload(); err != nil {
				continue
			}
		case _, ok := <-rd.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// reload clears and rebuilds the evaluator set from every rule file
// currently in rulesDir. A single malformed rule is skipped, not fatal
// to the rest.
func (rd *RuleDetector) reload() error {
	entries, err := os.ReadDir(rd.rulesDir)
	if err != nil {
		return fmt.Errorf("detect: read rules dir: %w", err)
	}

	fresh := make(map[string]*evaluator.RuleEvaluator, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(rd.rulesDir, e.Name()))
		if err != nil {
			continue
		}
		if sigma.InferFileType(content) != sigma.RuleFile {
			continue
		}
		rule, err := sigma.ParseRule(content)
		if err != nil {
			continue
		}
		fresh[rule.ID] = evaluator.ForRule(rule,
			evaluator.WithConfig(config),
			evaluator.WithPlaceholderExpander(func(ctx context.Context, name string) ([]string, error) {
				return nil, nil
			}),
		)
	}

	rd.mu.Lock()
	rd.evaluators = fresh
	rd.mu.Unlock()
	return nil
}

// Check evaluates every loaded rule against rec and returns the ones
// that matched. Evaluation errors are skipped per-rule rather than
// aborting the pass, since one malformed rule must never stop
// detection over the rest.
func (rd *RuleDetector) Check(ctx context.Context, rec audit.Record) []Match {
	event := map[string]interface{}{
		"PID":     rec.PID,
		"UID":     rec.UID,
		"Comm":    rec.Comm,
		"Outcome": string(rec.Outcome),
		"Detail":  rec.Detail,
	}

	rd.mu.RLock()
	defer rd.mu.RUnlock()

	var matches []Match
	for _, ev := range rd.evaluators {
		result, err := ev.Matches(ctx, event)
		if err != nil || !result.Match {
			continue
		}
		var conditions []string
		for name, hit := range result.SearchResults {
			if hit {
				conditions = append(conditions, name)
			}
		}
		matches = append(matches, Match{
			RuleID:     ev.Rule.ID,
			RuleTitle:  ev.Rule.Title,
			Conditions: conditions,
			Record:     rec,
		})
	}
	return matches
}

// Close releases the rule-directory watcher.
func (rd *RuleDetector) Close() error {
	return rd.watcher.Close()
}
