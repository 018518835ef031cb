// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package roleenv

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/schema"
	"github.com/kballard/go-shellquote"
	"gopkg.in/juju/environschema.v1"
)

// Role setting names.
const (
	ReplicaSetNameSetting     = "ReplicaSetName"
	DataDirSetting            = "MongoDBDataDir"
	DataDirSizeSetting        = "MongoDBDataDirSizeMB"
	LogVerbositySetting       = "MongoDBLogVerbosity"
	RecycleOnExitSetting      = "RecycleOnExit"
	ExtraMongodArgsSetting    = "ExtraMongodArgs"
	DiagnosticsStorageSetting = "DiagnosticsConnectionString"
)

// Local resource names.
const (
	LocalDataDirResource     = "MongoDBLocalDataDir"
	LogDirResource           = "MongodLogDir"
	BackupDriveCacheResource = "BackupDriveCache"
)

const (
	DefaultReplicaSetName = "rs"

	// DefaultEmulatedDataDirSizeMB is the data drive size used when
	// emulated.
	DefaultEmulatedDataDirSizeMB = 1024

	// DefaultDataDirSizeMB is the data drive size used in the cloud.
	DefaultDataDirSizeMB = 100 * 1024

	maxLogLevel = 5
)

var verbosityRegexp = regexp.MustCompile(`^-?(v+)$`)

// liveSettings can change without restarting the instance.
var liveSettings = set.NewStrings(LogVerbositySetting, RecycleOnExitSetting)

var settingsSchema = environschema.Fields{
	ReplicaSetNameSetting: {
		Description: "The name of the replica set.",
		Type:        environschema.Tstring,
	},
	DataDirSetting: {
		Description: "The storage connection string for data drives.",
		Type:        environschema.Tstring,
	},
	DataDirSizeSetting: {
		Description: "The size of the data drive in megabytes.",
		Type:        environschema.Tint,
	},
	LogVerbositySetting: {
		Description: "The mongod verbosity flag, for example -vv.",
		Type:        environschema.Tstring,
	},
	RecycleOnExitSetting: {
		Description: "Whether the instance recycles when mongod exits.",
		Type:        environschema.Tbool,
	},
	ExtraMongodArgsSetting: {
		Description: "Extra shell-quoted arguments passed to mongod.",
		Type:        environschema.Tstring,
	},
	DiagnosticsStorageSetting: {
		Description: "The storage connection string logs are shipped to.",
		Type:        environschema.Tstring,
	},
}

// RoleSettings are the validated role settings.
type RoleSettings struct {
	ReplicaSetName string

	// DataDirConnectionString is the storage account backing the
	// data drives and backups.
	DataDirConnectionString string

	DataDirSizeMB int

	// LogVerbosity is either empty or a mongod flag of the form -v...
	LogVerbosity string

	RecycleOnExit bool

	ExtraMongodArgs []string

	DiagnosticsConnectionString string
}

// LogLevel returns the mongod log level for the verbosity setting.
func (s RoleSettings) LogLevel() int {
	return LogLevel(s.LogVerbosity)
}

// ParseRoleSettings validates the raw role settings and fills in
// defaults.
func ParseRoleSettings(attrs map[string]any, emulated bool) (RoleSettings, error) {
	fields, defaults, err := settingsSchema.ValidationSchema()
	if err != nil {
		return RoleSettings{}, errors.Trace(err)
	}
	defaults[ReplicaSetNameSetting] = DefaultReplicaSetName
	defaults[RecycleOnExitSetting] = true
	if emulated {
		defaults[DataDirSizeSetting] = DefaultEmulatedDataDirSizeMB
	} else {
		defaults[DataDirSizeSetting] = DefaultDataDirSizeMB
	}

	// Unknown settings belong to the platform, not to us.
	known := make(map[string]any)
	for k, v := range attrs {
		if _, ok := fields[k]; ok {
			known[k] = v
		}
	}
	coerced, err := schema.FieldMap(fields, defaults).Coerce(known, nil)
	if err != nil {
		return RoleSettings{}, errors.NewNotValid(err, "role settings")
	}
	valid := coerced.(map[string]any)

	settings := RoleSettings{
		ReplicaSetName: valid[ReplicaSetNameSetting].(string),
		DataDirSizeMB:  asInt(valid[DataDirSizeSetting]),
		RecycleOnExit:  valid[RecycleOnExitSetting].(bool),
	}
	settings.DataDirConnectionString, _ = valid[DataDirSetting].(string)
	settings.DiagnosticsConnectionString, _ = valid[DiagnosticsStorageSetting].(string)

	if settings.ReplicaSetName == "" {
		return RoleSettings{}, errors.NotValidf("empty %s", ReplicaSetNameSetting)
	}
	if settings.DataDirSizeMB <= 0 {
		return RoleSettings{}, errors.NotValidf("%s %d", DataDirSizeSetting, settings.DataDirSizeMB)
	}

	verbosity, _ := valid[LogVerbositySetting].(string)
	if settings.LogVerbosity, err = ParseLogVerbosity(verbosity); err != nil {
		return RoleSettings{}, errors.Trace(err)
	}

	if extra, _ := valid[ExtraMongodArgsSetting].(string); extra != "" {
		if settings.ExtraMongodArgs, err = shellquote.Split(extra); err != nil {
			return RoleSettings{}, errors.NewNotValid(err, ExtraMongodArgsSetting)
		}
	}
	return settings, nil
}

// ParseLogVerbosity normalises a verbosity setting such as "vvv" or
// "-vvv" to the mongod flag "-vvv". An empty setting is left empty.
func ParseLogVerbosity(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	m := verbosityRegexp.FindStringSubmatch(v)
	if m == nil {
		return "", errors.NotValidf("%s %q", LogVerbositySetting, v)
	}
	return "-" + m[1], nil
}

// LogLevel returns the mongod log level for a normalised verbosity flag.
func LogLevel(verbosity string) int {
	if verbosity == "" {
		return 0
	}
	level := len(verbosity) - 1
	if level > maxLogLevel {
		return maxLogLevel
	}
	return level
}

// ChangedSettings returns the names of the settings whose values differ
// between old and new, sorted.
func ChangedSettings(old, new map[string]any) []string {
	keys := set.NewStrings()
	for k := range old {
		keys.Add(k)
	}
	for k := range new {
		keys.Add(k)
	}
	var changed []string
	for _, k := range keys.Values() {
		ov, oldOK := old[k]
		nv, newOK := new[k]
		if oldOK != newOK || fmt.Sprint(ov) != fmt.Sprint(nv) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// RequiresRecycle reports whether applying the changed settings needs
// the instance to restart.
func RequiresRecycle(changed []string) bool {
	for _, name := range changed {
		if !liveSettings.Contains(name) {
			return true
		}
	}
	return false
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
