package orchestrator

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/store"
)

// StatusServer serves a read-only operator status page, styled after
// cmd/autobuilder's statusTmpl/serveStatusPage: one html/template rendering
// live process state on every request, no client-side assets.
type StatusServer struct {
	Cfg     *config.Config
	Store   store.Store
	Started time.Time
}

var statusTmpl = template.Must(template.New("status").Funcs(template.FuncMap{
	"formatBytes": func(b uint64) string {
		switch {
		case b > 1024*1024*1024:
			return sprintfGiB(b)
		case b > 1024*1024:
			return sprintfMiB(b)
		default:
			return sprintfBytes(b)
		}
	},
	"formatDuration": func(d time.Duration) string { return d.Round(time.Second).String() },
}).Parse(`<!DOCTYPE html>
<head>
<meta charset="utf-8">
<title>imagefactory status</title>
<style type="text/css">
td { padding: 0.5em; }
</style>
</head>
<body>
<h1>imagefactory</h1>
<p>up {{ formatDuration .Uptime }}</p>
<h2>worker pool</h2>
<table>
<tr><td>build workers</td><td>{{ len .Cfg.Workers }}</td></tr>
<tr><td>update threads</td><td>{{ .Cfg.UpdaterThreads }}</td></tr>
</table>
<h2>retention</h2>
<table>
<tr><td>snapshot TTL</td><td>{{ formatDuration .Cfg.SnapshotTTL }}</td></tr>
<tr><td>custom TTL</td><td>{{ formatDuration .Cfg.CustomTTL }}</td></tr>
<tr><td>request TTL</td><td>{{ formatDuration .Cfg.RequestTTL }}</td></tr>
</table>
<h2>disk</h2>
<p>free space on download folder: {{ formatBytes .FreeBytes }}</p>
</body>
</html>`))

// ServeHTTP renders the status page. Disk-space sampling errors degrade to
// a zero reading rather than a failed request — this page is diagnostic,
// never load-bearing.
func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var fs unix.Statfs_t
	var free uint64
	if err := unix.Statfs(s.Cfg.DownloadFolder, &fs); err == nil {
		free = fs.Bavail * uint64(fs.Bsize)
	}

	data := struct {
		Cfg       *config.Config
		Uptime    time.Duration
		FreeBytes uint64
	}{
		Cfg:       s.Cfg,
		Uptime:    time.Since(s.Started),
		FreeBytes: free,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTmpl.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Serve starts the status HTTP server on addr and blocks until ctx is done.
func (s *StatusServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

func sprintfGiB(b uint64) string   { return fmt.Sprintf("%.2f GiB", float64(b)/1024/1024/1024) }
func sprintfMiB(b uint64) string   { return fmt.Sprintf("%.2f MiB", float64(b)/1024/1024) }
func sprintfBytes(b uint64) string { return fmt.Sprintf("%d bytes", b) }
