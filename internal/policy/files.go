package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// repoSettings are the knobs the repo config file can set besides policies.
type repoSettings struct {
	RequireExplicitAgents bool `yaml:"requireExplicitAgents" json:"requireExplicitAgents"`
}

// policyFile is the on-disk shape shared by the repo config and user policy
// files: either a bare list of policies or a document with a policies key.
type policyFile struct {
	Settings repoSettings `yaml:"settings" json:"settings"`
	Policies []Policy     `yaml:"policies" json:"policies"`
}

func parsePolicyFile(path string, data []byte) (*policyFile, error) {
	var pf policyFile
	if strings.HasSuffix(path, ".json") {
		// Tolerate a bare JSON array.
		if err := json.Unmarshal(data, &pf.Policies); err == nil {
			return &pf, nil
		}
		if err := json.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", path, err)
		}
		return &pf, nil
	}
	var list []Policy
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		pf.Policies = list
		return &pf, nil
	}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return &pf, nil
}

// reloadFiles re-reads the repo config and the user policy dir. Files merge
// in filename order; later files append after earlier ones, so an earlier
// exact match still wins at resolution time.
func (g *Gate) reloadFiles() {
	var repo []Policy
	var settings repoSettings
	if g.opts.RepoConfigPath != "" {
		if data, err := os.ReadFile(g.opts.RepoConfigPath); err == nil {
			if pf, err := parsePolicyFile(g.opts.RepoConfigPath, data); err == nil {
				repo = pf.Policies
				settings = pf.Settings
			} else {
				g.logger.Warn("ignoring unparseable repo policy file", "error", err)
			}
		}
	}

	var local []Policy
	if g.opts.LocalPolicyDir != "" {
		entries, err := os.ReadDir(g.opts.LocalPolicyDir)
		if err == nil {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				switch filepath.Ext(e.Name()) {
				case ".yaml", ".yml", ".json":
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			for _, name := range names {
				path := filepath.Join(g.opts.LocalPolicyDir, name)
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				pf, err := parsePolicyFile(path, data)
				if err != nil {
					g.logger.Warn("ignoring unparseable policy file", "file", name, "error", err)
					continue
				}
				local = append(local, pf.Policies...)
			}
		}
	}

	g.mu.Lock()
	g.repo = repo
	g.repoOpts = settings
	g.local = local
	g.mu.Unlock()
}

// Watch reloads policy files whenever the local policy dir or the repo
// config file changes. The returned closer stops the watcher.
func (g *Gate) Watch() (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: start watcher: %w", err)
	}
	if g.opts.LocalPolicyDir != "" {
		if err := watcher.Add(g.opts.LocalPolicyDir); err != nil {
			g.logger.Warn("cannot watch policy dir", "dir", g.opts.LocalPolicyDir, "error", err)
		}
	}
	if g.opts.RepoConfigPath != "" {
		if err := watcher.Add(filepath.Dir(g.opts.RepoConfigPath)); err != nil {
			g.logger.Warn("cannot watch repo config", "path", g.opts.RepoConfigPath, "error", err)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Remove) {
					g.logger.Debug("policy files changed, reloading", "file", ev.Name)
					g.reloadFiles()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return watcher.Close, nil
}
