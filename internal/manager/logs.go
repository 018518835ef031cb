// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manager

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/worker/logshipper"
)

// TailBytes is how much of a shipped log ?tail downloads.
const TailBytes = 5000

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (a *API) downloadLog(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if a.config.LogStore == nil {
		writeError(w, errors.NotFoundf("shipped logs"))
		return
	}
	ctx := r.Context()
	name := logshipper.BlobName(a.config.DeploymentID, a.config.RoleName, roleenv.InstanceID(a.config.RoleName, id))
	var offset, count int64
	if _, tail := r.URL.Query()["tail"]; tail {
		size, err := a.config.LogStore.Size(ctx, logshipper.Container, name)
		if err != nil {
			writeError(w, err)
			return
		}
		offset, count = max(0, size-TailBytes), TailBytes
	}
	body, err := a.config.LogStore.Download(ctx, logshipper.Container, name, offset, count)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=instance%d.log", id))
	if _, err := io.Copy(w, body); err != nil {
		logger.Debugf("sending %s: %v", name, err)
	}
}

type logLinesMessage struct {
	Lines []string `json:"lines,omitempty"`
	Error string   `json:"error,omitempty"`
}

// streamLog pushes the member's new in-memory log lines over a
// websocket until the client goes away.
func (a *API) streamLog(w http.ResponseWriter, r *http.Request) {
	server, err := a.lookupServer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	defer conn.Close()

	// Reading notices the client closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var last []string
	for {
		msg := logLinesMessage{}
		lines, err := a.fetchLog(server.Name)
		if err != nil {
			msg.Error = err.Error()
		} else {
			msg.Lines = newLines(last, lines)
			last = lines
		}
		if msg.Error != "" || len(msg.Lines) > 0 {
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debugf("log stream for %s closed: %v", server.Name, err)
				return
			}
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-a.config.Clock.After(a.config.LogPollInterval):
		}
	}
}

func (a *API) fetchLog(addr string) ([]string, error) {
	admin, err := a.config.DialServer(addr, mongo.LogDialTimeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer admin.Close()
	return mongo.GetLog(admin, "global")
}

// newLines returns the lines of current that follow the last line of
// previous. mongod keeps a bounded window of lines, so when that line
// has scrolled out of the window every line is new.
func newLines(previous, current []string) []string {
	if len(previous) == 0 {
		return current
	}
	lastLine := previous[len(previous)-1]
	for i := len(current) - 1; i >= 0; i-- {
		if current[i] == lastLine {
			return current[i+1:]
		}
	}
	return current
}
