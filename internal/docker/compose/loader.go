// Package compose loads Docker Compose projects and executes project
// operations against the engine.
package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/interfaces"
)

// composeFileNames are checked in order when resolving a project directory.
var composeFileNames = []string{
	"compose.yaml",
	"compose.yml",
	"docker-compose.yaml",
	"docker-compose.yml",
}

// Loader resolves and parses compose projects from disk.
type Loader struct {
	logger *logrus.Logger
}

// NewLoader creates a new Loader.
func NewLoader(logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loader{logger: logger}
}

// resolveComposeFile finds the compose file for a project path. The path
// may point at the file itself or at the project directory.
func resolveComposeFile(projectPath string) (string, error) {
	info, err := os.Stat(projectPath)
	if err != nil {
		return "", errors.Wrapf(err, "project path %s is not accessible", projectPath)
	}
	if !info.IsDir() {
		return projectPath, nil
	}
	for _, name := range composeFileNames {
		candidate := filepath.Join(projectPath, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.Errorf("no compose file found in %s", projectPath)
}

// SanitizeProjectName lowercases a name and replaces characters the
// engine rejects in compose project labels.
func SanitizeProjectName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

// Load parses and validates the compose project referenced by ref using
// the compose-go loader. Paths inside the file are resolved relative to
// the compose file's directory.
func (l *Loader) Load(ctx context.Context, ref interfaces.ProjectRef) (*composetypes.Project, error) {
	composeFile, err := resolveComposeFile(ref.Path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(composeFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read compose file %s", composeFile)
	}

	workingDir, err := filepath.Abs(filepath.Dir(composeFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve project working directory")
	}

	projectName := SanitizeProjectName(ref.Name)
	if projectName == "" {
		projectName = SanitizeProjectName(filepath.Base(workingDir))
	}

	l.logger.WithFields(logrus.Fields{
		"project": projectName,
		"file":    composeFile,
	}).Debug("Loading compose project")

	configDetails := composetypes.ConfigDetails{
		WorkingDir: workingDir,
		ConfigFiles: []composetypes.ConfigFile{
			{
				Filename: composeFile,
				Content:  content,
			},
		},
		Environment: composetypes.NewMapping(os.Environ()),
	}

	project, err := loader.LoadWithContext(ctx, configDetails, func(o *loader.Options) {
		o.SetProjectName(projectName, true)
		o.SkipValidation = false
		o.ResolvePaths = true
	})
	if err != nil {
		if strings.Contains(err.Error(), "yaml:") {
			return nil, fmt.Errorf("failed to parse compose YAML: %w", err)
		}
		return nil, errors.Wrapf(err, "failed to load compose project %s", projectName)
	}

	l.logger.WithField("project", project.Name).Debug("Compose project loaded")
	return project, nil
}
