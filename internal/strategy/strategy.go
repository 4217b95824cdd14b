// Package strategy declares the closed set of move profiles: which pipeline
// stages run, in what order, and which connection roles each move type
// requires. Profiles are data, not subclasses, so each is testable in
// isolation and an invalid ordering cannot be expressed.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"data-mover/internal/models"
	"data-mover/internal/pipeline"
)

// ConfigError is a fatal pre-dispatch configuration problem: an unknown move
// type or a missing required parameter. It is raised before any job runs.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

// Stage is one named step of a profile.
type Stage struct {
	Name string
	Run  func(ctx context.Context, p *pipeline.Pipeline) error
}

// Profile describes one move type.
type Profile struct {
	MoveType    string
	Description string
	NeedsDest   bool
	NeedsBucket bool
	// FromArchive profiles list candidates from the backup log instead of
	// the bills-of-lading table, and support table-subset restriction.
	FromArchive bool
	Stages      []Stage
}

// Validate checks the per-run parameters a profile requires. Missing
// parameters are configuration errors, never runtime ones.
func (p Profile) Validate(dest *models.ConnInfo, bucket string) error {
	if p.NeedsDest && dest == nil {
		return &ConfigError{Reason: fmt.Sprintf("move type %q requires a destination database", p.MoveType)}
	}
	if p.NeedsBucket && bucket == "" {
		return &ConfigError{Reason: fmt.Sprintf("move type %q requires a backup bucket", p.MoveType)}
	}
	return nil
}

func dump(schemaOnly bool) Stage {
	name := "dump"
	if schemaOnly {
		name = "dump_structure"
	}
	return Stage{Name: name, Run: func(ctx context.Context, p *pipeline.Pipeline) error {
		return p.Dump(ctx, schemaOnly)
	}}
}

func stage(name string, run func(*pipeline.Pipeline, context.Context) error) Stage {
	return Stage{Name: name, Run: func(ctx context.Context, p *pipeline.Pipeline) error {
		return run(p, ctx)
	}}
}

var (
	hashDump   = stage("hash_dump", (*pipeline.Pipeline).HashDump)
	archive    = stage("archive", (*pipeline.Pipeline).Archive)
	hashArch   = stage("hash_archive", (*pipeline.Pipeline).HashArchive)
	predictTag = stage("predict_tag", (*pipeline.Pipeline).PredictRemoteTag)
	upload     = stage("upload", (*pipeline.Pipeline).Upload)
	logBackup  = stage("log_backup", (*pipeline.Pipeline).LogBackup)
	download   = stage("download", (*pipeline.Pipeline).Download)
	extract    = stage("extract", (*pipeline.Pipeline).Extract)
	restore    = stage("restore", (*pipeline.Pipeline).Restore)
	relocate   = stage("relocate", (*pipeline.Pipeline).Relocate)
	finalize   = stage("finalize", (*pipeline.Pipeline).Finalize)
)

var profiles = map[string]Profile{
	"backup": {
		MoveType:    "backup",
		Description: "store-to-archive: dump, encrypt, upload, log",
		NeedsBucket: true,
		Stages:      []Stage{dump(false), hashDump, archive, hashArch, predictTag, upload, logBackup, finalize},
	},
	"structure": {
		MoveType:    "structure",
		Description: "structure-only backup: schema DDL to archive, no data",
		NeedsBucket: true,
		Stages:      []Stage{dump(true), hashDump, archive, hashArch, predictTag, upload, logBackup, finalize},
	},
	"mirror": {
		MoveType:    "mirror",
		Description: "store-to-store: dump from source, restore into destination",
		NeedsDest:   true,
		Stages:      []Stage{dump(false), hashDump, restore, relocate, finalize},
	},
	"seed": {
		MoveType:    "seed",
		Description: "template-seed: populate a destination from a template database",
		NeedsDest:   true,
		Stages:      []Stage{dump(false), hashDump, restore, finalize},
	},
	"restore": {
		MoveType:    "restore",
		Description: "archive-to-store: download, decrypt, restore",
		NeedsDest:   true,
		NeedsBucket: true,
		FromArchive: true,
		Stages:      []Stage{download, extract, restore, finalize},
	},
}

// Lookup returns the profile for a move type; unknown names are fatal
// configuration errors.
func Lookup(moveType string) (Profile, error) {
	p, ok := profiles[moveType]
	if !ok {
		return Profile{}, &ConfigError{
			Reason: fmt.Sprintf("unknown move type %q (known: %v)", moveType, Names()),
		}
	}
	return p, nil
}

// Names lists the known move types, sorted.
func Names() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
