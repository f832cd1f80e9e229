package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentdeck/agentdeck/internal/logging"
)

// Watch reloads configuration whenever one of its source files changes
// and invokes fn with the fresh result. The directory argument matches
// Load's. Returns a stop function.
func Watch(directory string, fn func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directories, not the files: editors replace config
	// files by rename, which drops a file-level watch.
	dirs := watchDirs(directory)
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("config watch failed")
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if !isConfigFile(ev.Name) {
					continue
				}
				cfg, err := Load(directory)
				if err != nil {
					logging.Warn().Err(err).Msg("config reload failed")
					continue
				}
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}

func watchDirs(directory string) []string {
	var dirs []string
	if home := os.Getenv("HOME"); home != "" {
		dirs = append(dirs, filepath.Join(home, ".agentdeck"))
	}
	dirs = append(dirs, GetPaths().Config)
	if directory != "" {
		dirs = append(dirs, directory, filepath.Join(directory, ".agentdeck"))
	}
	if configPath := os.Getenv("AGENTDECK_CONFIG"); configPath != "" {
		dirs = append(dirs, filepath.Dir(configPath))
	}
	return dirs
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	if configPath := os.Getenv("AGENTDECK_CONFIG"); configPath != "" && base == filepath.Base(configPath) {
		return true
	}
	return strings.HasPrefix(base, "agentdeck.json")
}
