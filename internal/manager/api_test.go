// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manager_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/backup"
	"github.com/juju/mongorole/internal/blobstore"
	"github.com/juju/mongorole/internal/manager"
	"github.com/juju/mongorole/internal/mongo"
	"github.com/juju/mongorole/internal/roleenv"
	"github.com/juju/mongorole/internal/storage/local"
	"github.com/juju/mongorole/internal/worker/logshipper"
)

const (
	deploymentID = "deployment"
	roleName     = "MongoDBRole"
)

// fakeAdmin records the commands it is sent and answers getLog with
// each of logs in turn, repeating the last.
type fakeAdmin struct {
	mu       sync.Mutex
	commands []string
	logs     [][]string
	err      error
}

func (a *fakeAdmin) Run(cmd any, result any) error {
	doc := cmd.(bson.D)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, doc[0].Name)
	if a.err != nil {
		return a.err
	}
	if doc[0].Name != "getLog" {
		return nil
	}
	lines := []string{}
	if len(a.logs) > 0 {
		lines = a.logs[0]
		if len(a.logs) > 1 {
			a.logs = a.logs[1:]
		}
	}
	data, err := bson.Marshal(bson.M{"log": lines})
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, result)
}

func (a *fakeAdmin) Close() {}

func (a *fakeAdmin) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

type apiSuite struct {
	testing.IsolationSuite

	clock    *testclock.Clock
	status   manager.ReplicaSetStatus
	admin    *fakeAdmin
	dialErr  error
	provider *local.Provider
	store    *blobstore.FileStore
	logStore blobstore.Store
	backups  *backup.Manager
	registry *prometheus.Registry

	mu       sync.Mutex
	dialled  []string
	timeouts []time.Duration
}

var _ = gc.Suite(&apiSuite{})

func (s *apiSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s.status = manager.ReplicaSetStatus{
		Status: manager.OK,
		Name:   "rs",
		Servers: []manager.ServerStatus{{
			ID:     0,
			Name:   "10.0.0.4:27017",
			Health: manager.Up,
			State:  manager.StatePrimary,
		}, {
			ID:     1,
			Name:   "10.0.0.5:27017",
			Health: manager.Up,
			State:  manager.StateSecondary,
			PingMs: 2,
		}},
	}
	s.admin = &fakeAdmin{}
	s.dialErr = nil
	s.dialled = nil
	s.timeouts = nil
	root := c.MkDir()
	s.provider = local.NewProvider(filepath.Join(root, "drives"), s.clock)
	s.store = blobstore.NewFileStore(filepath.Join(root, "blobs"))
	s.logStore = s.store

	var err error
	s.backups, err = backup.NewManager(backup.ManagerConfig{
		Mounter:   s.provider,
		Store:     s.store,
		Clock:     s.clock,
		MountRoot: filepath.Join(root, "mounts"),
		Container: backup.DefaultContainer,
		Retention: backup.DefaultRetention,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, s.backups) })
	s.registry = prometheus.NewRegistry()
}

func (s *apiSuite) dial(addr string, timeout time.Duration) (manager.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialled = append(s.dialled, addr)
	s.timeouts = append(s.timeouts, timeout)
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	return s.admin, nil
}

func (s *apiSuite) Dialled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dialled...)
}

func (s *apiSuite) Timeouts() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.timeouts...)
}

func (s *apiSuite) config() manager.APIConfig {
	return manager.APIConfig{
		Status:          manager.StaticStatus(s.status),
		DialServer:      s.dial,
		Snapshots:       s.provider,
		Backups:         s.backups,
		BackupStore:     s.store,
		BackupContainer: backup.DefaultContainer,
		LogStore:        s.logStore,
		ReplicaSetName:  "rs",
		DataDirSizeMB:   1024,
		DeploymentID:    deploymentID,
		RoleName:        roleName,
		Clock:           s.clock,
		LogPollInterval: 5 * time.Second,
		Gatherer:        s.registry,
	}
}

func (s *apiSuite) newServer(c *gc.C) *httptest.Server {
	api, err := manager.NewAPI(s.config())
	c.Assert(err, jc.ErrorIsNil)
	server := httptest.NewServer(api)
	s.AddCleanup(func(*gc.C) { server.Close() })
	return server
}

func (s *apiSuite) do(c *gc.C, method, path string, body string) (*http.Response, []byte) {
	server := s.newServer(c)
	return do(c, server, method, path, body)
}

func do(c *gc.C, server *httptest.Server, method, path string, body string) (*http.Response, []byte) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	c.Assert(err, jc.ErrorIsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	return resp, data
}

func decode(c *gc.C, data []byte) map[string]any {
	var out map[string]any
	c.Assert(json.Unmarshal(data, &out), jc.ErrorIsNil, gc.Commentf("%s", data))
	return out
}

func decodeList(c *gc.C, data []byte) []any {
	var out []any
	c.Assert(json.Unmarshal(data, &out), jc.ErrorIsNil, gc.Commentf("%s", data))
	return out
}

// takeSnapshot puts a file on member 0's drive and snapshots it.
func (s *apiSuite) takeSnapshot(c *gc.C) string {
	ctx := context.Background()
	drive, err := s.provider.EnsureDrive(ctx, roleenv.DataDriveName("rs", 0), 1024)
	c.Assert(err, jc.ErrorIsNil)
	path, err := s.provider.Mount(ctx, drive, "")
	c.Assert(err, jc.ErrorIsNil)
	err = os.WriteFile(filepath.Join(path, "collection-0.wt"), []byte("documents"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	snap, err := s.provider.Snapshot(ctx, drive)
	c.Assert(err, jc.ErrorIsNil)
	return snap.ID
}

func (s *apiSuite) TestValidate(c *gc.C) {
	config := s.config()
	config.Gatherer = nil
	_, err := manager.NewAPI(config)
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, "nil Gatherer not valid")

	config = s.config()
	config.LogStore = nil
	_, err = manager.NewAPI(config)
	c.Check(err, jc.ErrorIsNil)
}

func (s *apiSuite) TestStatus(c *gc.C) {
	resp, data := s.do(c, "GET", "/api/status", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Type"), gc.Equals, "application/json")
	out := decode(c, data)
	c.Check(out["status"], gc.Equals, "OK")
	c.Check(out["name"], gc.Equals, "rs")
	servers := out["servers"].([]any)
	c.Assert(servers, gc.HasLen, 2)
	c.Check(servers[0].(map[string]any)["state"], gc.Equals, "PRIMARY")
}

func (s *apiSuite) TestServer(c *gc.C) {
	resp, data := s.do(c, "GET", "/api/servers/1", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	out := decode(c, data)
	c.Check(out["name"], gc.Equals, "10.0.0.5:27017")
	c.Check(out["pingMs"], gc.Equals, float64(2))
}

func (s *apiSuite) TestServerNotFound(c *gc.C) {
	resp, data := s.do(c, "GET", "/api/servers/7", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNotFound)
	c.Check(decode(c, data)["error"], gc.Equals, "server 7 not found")
}

func (s *apiSuite) TestWrongMethod(c *gc.C) {
	resp, _ := s.do(c, "GET", "/api/servers/0/stepdown", "")
	c.Check(resp.StatusCode, gc.Equals, http.StatusMethodNotAllowed)
}

func (s *apiSuite) TestStepDown(c *gc.C) {
	resp, data := s.do(c, "POST", "/api/servers/0/stepdown", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(decode(c, data)["ok"], gc.Equals, true)
	c.Check(s.Dialled(), jc.DeepEquals, []string{"10.0.0.4:27017"})
	c.Check(s.Timeouts(), jc.DeepEquals, []time.Duration{mongo.AdminSocketTimeout})
	c.Check(s.admin.Commands(), jc.DeepEquals, []string{"replSetStepDown"})
}

func (s *apiSuite) TestStepDownDialError(c *gc.C) {
	s.dialErr = errors.New("no reachable servers")
	resp, data := s.do(c, "POST", "/api/servers/1/stepdown", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusBadGateway)
	c.Check(decode(c, data)["error"], gc.Equals, "no reachable servers")
}

func (s *apiSuite) TestLogRotate(c *gc.C) {
	resp, data := s.do(c, "POST", "/api/servers/1/logrotate", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(decode(c, data)["message"], gc.Equals, "Logs rotated on 10.0.0.5:27017.")
	c.Check(s.Timeouts(), jc.DeepEquals, []time.Duration{mongo.AdminSocketTimeout})
	c.Check(s.admin.Commands(), jc.DeepEquals, []string{"logRotate"})
}

func (s *apiSuite) TestLogRotateCommandError(c *gc.C) {
	s.admin.err = errors.New("not authorized")
	resp, data := s.do(c, "POST", "/api/servers/1/logrotate", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusBadGateway)
	c.Check(decode(c, data)["error"], gc.Equals, "rotating log: not authorized")
}

func (s *apiSuite) TestServerLog(c *gc.C) {
	s.admin.logs = [][]string{{"one", "two"}}
	resp, data := s.do(c, "GET", "/api/servers/0/log", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(decode(c, data)["log"], jc.DeepEquals, []any{"one", "two"})
	c.Check(s.Timeouts(), jc.DeepEquals, []time.Duration{mongo.LogDialTimeout})
	c.Check(s.admin.Commands(), jc.DeepEquals, []string{"getLog"})
}

func (s *apiSuite) TestSnapshots(c *gc.C) {
	server := s.newServer(c)

	resp, data := do(c, server, "GET", "/api/snapshots", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(decodeList(c, data), gc.HasLen, 0)

	resp, data = do(c, server, "POST", "/api/snapshots", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusCreated, gc.Commentf("%s", data))
	created := decode(c, data)
	c.Check(created["drive"], gc.Equals, roleenv.DataDriveName("rs", 0))
	id := created["id"].(string)

	resp, data = do(c, server, "GET", "/api/snapshots", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	list := decodeList(c, data)
	c.Assert(list, gc.HasLen, 1)
	c.Check(list[0].(map[string]any)["id"], gc.Equals, id)

	resp, _ = do(c, server, "DELETE", "/api/snapshots/"+url.PathEscape(id), "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNoContent)

	resp, data = do(c, server, "GET", "/api/snapshots", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(decodeList(c, data), gc.HasLen, 0)
}

func (s *apiSuite) TestSnapshotWithoutPrimary(c *gc.C) {
	s.status.Servers = s.status.Servers[1:]
	resp, data := s.do(c, "POST", "/api/snapshots", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNotFound)
	c.Check(decode(c, data)["error"], gc.Equals, "primary not found")
}

func (s *apiSuite) TestDeleteUnknownSnapshot(c *gc.C) {
	resp, _ := s.do(c, "DELETE", "/api/snapshots/nope", "")
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)
}

func (s *apiSuite) TestListBackupsEmpty(c *gc.C) {
	resp, data := s.do(c, "GET", "/api/backups", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(decodeList(c, data), gc.HasLen, 0)
}

func (s *apiSuite) TestStartBackup(c *gc.C) {
	id := s.takeSnapshot(c)
	server := s.newServer(c)

	body, err := json.Marshal(map[string]string{"snapshot": id})
	c.Assert(err, jc.ErrorIsNil)
	resp, data := do(c, server, "POST", "/api/backups", string(body))
	c.Assert(resp.StatusCode, gc.Equals, http.StatusAccepted, gc.Commentf("%s", data))
	c.Check(decode(c, data)["id"], gc.Equals, float64(1))

	job, err := s.backups.Job(1)
	c.Assert(err, jc.ErrorIsNil)
	select {
	case <-job.Done():
	case <-time.After(testing.LongWait):
		c.Fatalf("backup job didn't finish")
	}
	c.Assert(job.Err(), jc.ErrorIsNil)

	resp, data = do(c, server, "GET", "/api/backups/jobs/1", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	out := decode(c, data)
	c.Check(out["uri"], gc.Equals, id)
	c.Check(out["log"].([]any)[0], gc.Equals, "Backup started for "+id+"...")

	resp, data = do(c, server, "GET", "/api/backups/jobs", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(decodeList(c, data), gc.HasLen, 1)

	resp, data = do(c, server, "GET", "/api/backups", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	backups := decodeList(c, data)
	c.Assert(backups, gc.HasLen, 1)
	c.Check(backups[0].(map[string]any)["name"], gc.Equals, job.Archive())
}

func (s *apiSuite) TestStartBackupBadRequest(c *gc.C) {
	server := s.newServer(c)

	resp, _ := do(c, server, "POST", "/api/backups", "{")
	c.Check(resp.StatusCode, gc.Equals, http.StatusBadRequest)

	resp, data := do(c, server, "POST", "/api/backups", `{"snapshot": ""}`)
	c.Check(resp.StatusCode, gc.Equals, http.StatusBadRequest)
	c.Check(decode(c, data)["error"], gc.Equals, "empty snapshot not valid")
}

func (s *apiSuite) TestStartBackupStopped(c *gc.C) {
	workertest.CleanKill(c, s.backups)
	resp, _ := s.do(c, "POST", "/api/backups", `{"snapshot": "snap"}`)
	c.Check(resp.StatusCode, gc.Equals, http.StatusServiceUnavailable)
}

func (s *apiSuite) TestJobNotFound(c *gc.C) {
	resp, data := s.do(c, "GET", "/api/backups/jobs/3", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusNotFound)
	c.Check(decode(c, data)["error"], gc.Equals, "backup job 3 not found")
}

func (s *apiSuite) shipLog(c *gc.C, content string) {
	ctx := context.Background()
	err := s.store.EnsureContainer(ctx, logshipper.Container)
	c.Assert(err, jc.ErrorIsNil)
	name := logshipper.BlobName(deploymentID, roleName, roleenv.InstanceID(roleName, 0))
	err = s.store.Upload(ctx, logshipper.Container, name, strings.NewReader(content), nil)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *apiSuite) TestDownloadLog(c *gc.C) {
	s.shipLog(c, "line one\nline two\n")
	resp, data := s.do(c, "GET", "/api/servers/0/log/download", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Disposition"), gc.Equals, "attachment; filename=instance0.log")
	c.Check(string(data), gc.Equals, "line one\nline two\n")
}

func (s *apiSuite) TestDownloadLogTail(c *gc.C) {
	content := strings.Repeat("x", 6000) + strings.Repeat("y", manager.TailBytes)
	s.shipLog(c, content)
	resp, data := s.do(c, "GET", "/api/servers/0/log/download?tail", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(bytes.Equal(data, []byte(strings.Repeat("y", manager.TailBytes))), jc.IsTrue)
}

func (s *apiSuite) TestDownloadLogNotShipped(c *gc.C) {
	s.logStore = nil
	resp, _ := s.do(c, "GET", "/api/servers/0/log/download", "")
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)
}

func (s *apiSuite) TestDownloadLogMissing(c *gc.C) {
	resp, _ := s.do(c, "GET", "/api/servers/1/log/download", "")
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)
}

func (s *apiSuite) TestStreamLog(c *gc.C) {
	s.admin.logs = [][]string{{"a", "b"}, {"a", "b", "c"}}
	server := s.newServer(c)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/servers/0/log/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	var msg struct {
		Lines []string `json:"lines"`
	}
	c.Assert(conn.SetReadDeadline(time.Now().Add(testing.LongWait)), jc.ErrorIsNil)
	c.Assert(conn.ReadJSON(&msg), jc.ErrorIsNil)
	c.Check(msg.Lines, jc.DeepEquals, []string{"a", "b"})

	err = s.clock.WaitAdvance(5*time.Second, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(conn.ReadJSON(&msg), jc.ErrorIsNil)
	c.Check(msg.Lines, jc.DeepEquals, []string{"c"})
}

func (s *apiSuite) TestStreamLogUnknownServer(c *gc.C) {
	resp, _ := s.do(c, "GET", "/api/servers/9/log/stream", "")
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)
}

func (s *apiSuite) TestMetrics(c *gc.C) {
	s.registry.MustRegister(manager.NewCollector(manager.StaticStatus(s.status), s.backups))
	resp, data := s.do(c, "GET", "/metrics", "")
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	text := string(data)
	c.Check(text, jc.Contains, `mongorole_member_health{member="0",name="10.0.0.4:27017"} 1`)
	c.Check(text, jc.Contains, `mongorole_member_ping_milliseconds{member="1",name="10.0.0.5:27017"} 2`)
	c.Check(text, jc.Contains, `mongorole_replicaset_status 1`)
	c.Check(text, jc.Contains, `mongorole_backup_jobs{state="running"} 0`)
}

type logsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&logsSuite{})

func (s *logsSuite) TestNewLines(c *gc.C) {
	c.Check(manager.NewLines(nil, []string{"a"}), jc.DeepEquals, []string{"a"})
	c.Check(manager.NewLines([]string{"a", "b"}, []string{"a", "b", "c", "d"}), jc.DeepEquals, []string{"c", "d"})
	c.Check(manager.NewLines([]string{"a", "b"}, []string{"b"}), gc.HasLen, 0)
	c.Check(manager.NewLines([]string{"a", "b"}, []string{"x", "y"}), jc.DeepEquals, []string{"x", "y"})
}
