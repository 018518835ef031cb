// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package manager serves the replica set dashboard: a JSON API over the
// replica set status, member logs, snapshots and backups.
package manager

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/mongorole/internal/backup"
	"github.com/juju/mongorole/internal/blobstore"
	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/storage"
)

var logger = loggo.GetLogger("mongorole.manager")

// Logger is the logging interface used by the dashboard.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
}

// Admin runs admin commands on one member.
type Admin interface {
	mongo.Runner
	Close()
}

// Backups starts and reports backup jobs.
type Backups interface {
	Start(source string) (*backup.Job, error)
	Jobs() []*backup.Job
	Job(id int) (*backup.Job, error)
}

// APIConfig holds the dependencies of the dashboard API.
type APIConfig struct {
	Status StatusSource

	// DialServer connects directly to one member. Commands on the
	// session may run for up to timeout.
	DialServer func(addr string, timeout time.Duration) (Admin, error)

	Snapshots       backup.SnapshotProvider
	Backups         Backups
	BackupStore     backup.BlobLister
	BackupContainer string

	// LogStore holds the shipped mongod logs. It may be nil when logs
	// are not shipped.
	LogStore blobstore.Store

	ReplicaSetName  string
	DataDirSizeMB   int
	DeploymentID    string
	RoleName        string
	Clock           clock.Clock
	LogPollInterval time.Duration
	Gatherer        prometheus.Gatherer
}

// Validate checks the configuration is complete.
func (c APIConfig) Validate() error {
	if c.Status == nil {
		return errors.NotValidf("nil Status")
	}
	if c.DialServer == nil {
		return errors.NotValidf("nil DialServer")
	}
	if c.Snapshots == nil {
		return errors.NotValidf("nil Snapshots")
	}
	if c.Backups == nil {
		return errors.NotValidf("nil Backups")
	}
	if c.BackupStore == nil {
		return errors.NotValidf("nil BackupStore")
	}
	if c.BackupContainer == "" {
		return errors.NotValidf("empty BackupContainer")
	}
	if c.ReplicaSetName == "" {
		return errors.NotValidf("empty ReplicaSetName")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.LogPollInterval <= 0 {
		return errors.NotValidf("non-positive LogPollInterval")
	}
	if c.Gatherer == nil {
		return errors.NotValidf("nil Gatherer")
	}
	return nil
}

// API is the dashboard's http.Handler.
type API struct {
	config APIConfig
	router *mux.Router
}

// NewAPI returns the dashboard API with every route registered.
func NewAPI(config APIConfig) (*API, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	a := &API{
		config: config,
		router: mux.NewRouter().UseEncodedPath(),
	}
	a.registerRoutes()
	return a, nil
}

func (a *API) registerRoutes() {
	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{"GET", "/api/status", a.status},
		{"GET", "/api/servers/{id:[0-9]+}", a.server},
		{"POST", "/api/servers/{id:[0-9]+}/stepdown", a.stepDown},
		{"POST", "/api/servers/{id:[0-9]+}/logrotate", a.logRotate},
		{"GET", "/api/servers/{id:[0-9]+}/log", a.serverLog},
		{"GET", "/api/servers/{id:[0-9]+}/log/download", a.downloadLog},
		{"GET", "/api/servers/{id:[0-9]+}/log/stream", a.streamLog},
		{"GET", "/api/snapshots", a.listSnapshots},
		{"POST", "/api/snapshots", a.createSnapshot},
		{"DELETE", "/api/snapshots/{id}", a.deleteSnapshot},
		{"GET", "/api/backups", a.listBackups},
		{"POST", "/api/backups", a.startBackup},
		{"GET", "/api/backups/jobs", a.listJobs},
		{"GET", "/api/backups/jobs/{id:[0-9]+}", a.job},
	}
	for _, route := range routes {
		a.router.HandleFunc(route.path, route.handler).Methods(route.method)
	}
	a.router.Handle("/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotFound):
		code = http.StatusNotFound
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, storage.ErrDriveInUse):
		code = http.StatusConflict
	case errors.Is(err, backup.ErrManagerStopped):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		logger.Warningf("dashboard request failed: %v", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func intVar(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil {
		return 0, errors.NotValidf("%s %q", name, mux.Vars(r)[name])
	}
	return id, nil
}

func (a *API) lookupServer(r *http.Request) (ServerStatus, error) {
	id, err := intVar(r, "id")
	if err != nil {
		return ServerStatus{}, errors.Trace(err)
	}
	return a.config.Status.Status().Get(id)
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.config.Status.Status())
}

func (a *API) server(w http.ResponseWriter, r *http.Request) {
	server, err := a.lookupServer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

type okResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (a *API) withServer(w http.ResponseWriter, r *http.Request, timeout time.Duration, f func(ServerStatus, Admin) error) {
	server, err := a.lookupServer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	admin, err := a.config.DialServer(server.Name, timeout)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	defer admin.Close()
	if err := f(server, admin); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (a *API) stepDown(w http.ResponseWriter, r *http.Request) {
	a.withServer(w, r, mongo.AdminSocketTimeout, func(server ServerStatus, admin Admin) error {
		if err := mongo.StepDown(admin); err != nil {
			return errors.Trace(err)
		}
		logger.Infof("%s stepped down", server.Name)
		writeJSON(w, http.StatusOK, okResponse{
			OK:      true,
			Message: "It will take a few seconds for the replica set to come back online.",
		})
		return nil
	})
}

func (a *API) logRotate(w http.ResponseWriter, r *http.Request) {
	a.withServer(w, r, mongo.AdminSocketTimeout, func(server ServerStatus, admin Admin) error {
		if err := mongo.LogRotate(admin); err != nil {
			return errors.Trace(err)
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true, Message: "Logs rotated on " + server.Name + "."})
		return nil
	})
}

type logResponse struct {
	Log []string `json:"log"`
}

func (a *API) serverLog(w http.ResponseWriter, r *http.Request) {
	a.withServer(w, r, mongo.LogDialTimeout, func(_ ServerStatus, admin Admin) error {
		lines, err := mongo.GetLog(admin, "global")
		if err != nil {
			return errors.Trace(err)
		}
		writeJSON(w, http.StatusOK, logResponse{Log: lines})
		return nil
	})
}

func (a *API) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := backup.ListSnapshots(r.Context(), a.config.Snapshots, a.config.ReplicaSetName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotEntries(snapshots))
}

func (a *API) createSnapshot(w http.ResponseWriter, r *http.Request) {
	primary, err := a.config.Status.Status().Primary()
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := backup.SnapshotMember(r.Context(), a.config.Snapshots, a.config.ReplicaSetName, primary.ID, a.config.DataDirSizeMB)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Infof("snapshot %s taken of %s", snap.Name, primary.Name)
	writeJSON(w, http.StatusCreated, toSnapshotEntries([]storage.Snapshot{snap})[0])
}

func (a *API) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errors.NewNotValid(err, "snapshot id"))
		return
	}
	if err := backup.DeleteSnapshot(r.Context(), a.config.Snapshots, a.config.ReplicaSetName, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type snapshotEntry struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Drive   string    `json:"drive"`
	Created time.Time `json:"created"`
	Age     string    `json:"age"`
	SizeMB  int       `json:"sizeMB,omitempty"`
}

func toSnapshotEntries(snapshots []storage.Snapshot) []snapshotEntry {
	entries := make([]snapshotEntry, len(snapshots))
	for i, snap := range snapshots {
		entries[i] = snapshotEntry{
			ID:      snap.ID,
			Name:    snap.Name,
			Drive:   snap.DriveName,
			Created: snap.Created,
			Age:     humanize.Time(snap.Created),
			SizeMB:  snap.SizeMB,
		}
	}
	return entries
}

type backupEntry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SizeText string    `json:"sizeText"`
	Created  time.Time `json:"created"`
}

func (a *API) listBackups(w http.ResponseWriter, r *http.Request) {
	blobs, err := backup.ListBackups(r.Context(), a.config.BackupStore, a.config.BackupContainer)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]backupEntry, len(blobs))
	for i, blob := range blobs {
		entries[i] = backupEntry{
			Name:     blob.Name,
			Size:     blob.Size,
			SizeText: humanize.IBytes(uint64(blob.Size)),
			Created:  blob.LastModified,
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

type startBackupRequest struct {
	Snapshot string `json:"snapshot"`
}

func (a *API) startBackup(w http.ResponseWriter, r *http.Request) {
	var req startBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewBadRequest(err, "decoding backup request"))
		return
	}
	if req.Snapshot == "" {
		writeError(w, errors.NotValidf("empty snapshot"))
		return
	}
	job, err := a.config.Backups.Start(req.Snapshot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Summary())
}

func (a *API) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := a.config.Backups.Jobs()
	summaries := make([]backup.Summary, len(jobs))
	for i, job := range jobs {
		summaries[i] = job.Summary()
	}
	writeJSON(w, http.StatusOK, summaries)
}

type jobResponse struct {
	backup.Summary
	Log []string `json:"log"`
}

func (a *API) job(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := a.config.Backups.Job(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Summary: job.Summary(), Log: job.LogHistory()})
}
