// Package preset loads the bot persona preset and worldbook as immutable
// snapshots. Reload swaps the snapshot pointer; readers never block.
package preset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// Base template names. "auto" lets the executor's judge phase pick a mode;
// the others force one.
const (
	TemplateAuto         = "auto"
	TemplateRouter       = "router"
	TemplateResponseOnly = "response_only"
	TemplateToolsOnly    = "tools_only"
)

var baseTemplates = map[string]string{
	TemplateAuto: "You are %s, a conversational companion. Decide for each message whether it " +
		"needs tools or a direct answer, then respond in character.",
	TemplateRouter: "You are %s. First classify the user's intent and route it to the right " +
		"capability, then answer in character.",
	TemplateResponseOnly: "You are %s. Answer directly from context; never call tools.",
	TemplateToolsOnly: "You are %s. Fulfil the request with tool calls and report the result " +
		"in character.",
}

// Snapshot is one loaded preset generation. It is immutable; Reload builds
// a fresh one.
type Snapshot struct {
	BotName      string
	BaseTemplate string
	PresetXML    string
	WorldbookXML string
}

// SystemBase renders the selected base template.
func (s *Snapshot) SystemBase() string {
	tmpl, ok := baseTemplates[s.BaseTemplate]
	if !ok {
		tmpl = baseTemplates[TemplateAuto]
	}
	return fmt.Sprintf(tmpl, s.BotName)
}

// Loader owns the current preset snapshot.
type Loader struct {
	cfg    func() *config.Config
	cur    atomic.Pointer[Snapshot]
	logger *logger.Logger
}

// NewLoader creates a loader and performs the initial load. Missing files
// degrade to empty blocks so a bare deployment still runs.
func NewLoader(cfg func() *config.Config, log *logger.Logger) *Loader {
	l := &Loader{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "preset-loader")),
	}
	l.Reload()
	return l
}

// Current returns the active snapshot.
func (l *Loader) Current() *Snapshot {
	return l.cur.Load()
}

// Reload rebuilds the snapshot from disk and swaps it in. Readers holding
// the old pointer finish their turn against the old generation.
func (l *Loader) Reload() {
	cfg := l.cfg()

	snap := &Snapshot{
		BotName:      cfg.Preset.BotName,
		BaseTemplate: cfg.Preset.BaseTemplate,
	}

	if xml, err := loadPreset(cfg.Preset.PresetPath); err != nil {
		l.logger.Warn("Preset load failed, continuing without it",
			zap.String("path", cfg.Preset.PresetPath), zap.Error(err))
	} else {
		snap.PresetXML = xml
	}

	if xml, err := loadWorldbook(cfg.Preset.WorldbookPath); err != nil {
		l.logger.Warn("Worldbook load failed, continuing without it",
			zap.String("path", cfg.Preset.WorldbookPath), zap.Error(err))
	} else {
		snap.WorldbookXML = xml
	}

	l.cur.Store(snap)
	l.logger.Info("Preset snapshot loaded",
		zap.String("template", snap.BaseTemplate),
		zap.Bool("has_preset", snap.PresetXML != ""),
		zap.Bool("has_worldbook", snap.WorldbookXML != ""))
}

// loadPreset reads the persona preset. XML files pass through; JSON and
// YAML are flattened into a <sentra-preset> block.
func loadPreset(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return strings.TrimSpace(string(data)), nil
	case ".json":
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return "", fmt.Errorf("invalid preset JSON: %w", err)
		}
		return renderPresetXML(fields), nil
	case ".yaml", ".yml":
		var fields map[string]any
		if err := yaml.Unmarshal(data, &fields); err != nil {
			return "", fmt.Errorf("invalid preset YAML: %w", err)
		}
		return renderPresetXML(fields), nil
	default:
		return "", fmt.Errorf("unsupported preset format %q", filepath.Ext(path))
	}
}

func loadWorldbook(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// renderPresetXML flattens a parsed preset document into stable,
// alphabetized XML so snapshots diff cleanly across reloads.
func renderPresetXML(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("<sentra-preset>\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  <%s>%s</%s>\n", k, flatten(fields[k]), k)
	}
	b.WriteString("</sentra-preset>")
	return b.String()
}

func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, flatten(item))
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(t))
		for _, k := range keys {
			parts = append(parts, k+": "+flatten(t[k]))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprintf("%v", v)
	}
}
