// Package version описывает сборку: значения приходят из -ldflags, а если их
// нет, коммит и дата берутся из VCS-данных runtime/debug.
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
)

const unknown = "unknown"

var (
	version = "dev"
	commit  = unknown
	date    = unknown
)

// Build — сведения о сборке бинаря.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

var current = sync.OnceValue(func() Build {
	b := Build{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = b.withVCS(info.Settings)
	}
	return b
})

// withVCS дополняет поля, не заданные через -ldflags.
func (b Build) withVCS(settings []debug.BuildSetting) Build {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == unknown && s.Value != "" {
				b.Commit = s.Value[:min(len(s.Value), 12)]
			}
		case "vcs.time":
			if b.Date == unknown && s.Value != "" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// Current возвращает сведения о текущей сборке.
func Current() Build { return current() }

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", b.Version, b.Commit, b.Date, b.GoVersion)
}

// UserAgent — значение User-Agent для исходящих запросов к провайдерам.
func (b Build) UserAgent(component string) string {
	if component == "" {
		return "storefront/" + b.Version
	}
	return fmt.Sprintf("storefront-%s/%s (%s)", component, b.Version, b.Commit)
}

// UserAgent строит User-Agent текущей сборки.
func UserAgent(component string) string { return Current().UserAgent(component) }

// Handler отдаёт Current в JSON.
func Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Current())
}
