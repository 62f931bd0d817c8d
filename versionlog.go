package reedbase

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Action describes why a version was committed.
type Action string

// Commit actions.
const (
	ActionInit     Action = "init"
	ActionUpdate   Action = "update"
	ActionSet      Action = "set"
	ActionRollback Action = "rollback"
)

// VersionKind is the storage kind of a version.
type VersionKind string

// Version storage kinds.
const (
	// VersionSnapshot versions store the full table content.
	VersionSnapshot VersionKind = "snap"
	// VersionDelta versions store a delta against their predecessor.
	VersionDelta VersionKind = "delta"
)

// VersionInfo describes a committed version.
type VersionInfo struct {
	Timestamp int64
	Action    Action
	User      string
	Size      int64 // bytes of the stored snapshot or delta
	Kind      VersionKind
}

// Time returns the commit time.
func (v *VersionInfo) Time() time.Time { return time.Unix(0, v.Timestamp) }

func (v *VersionInfo) String() string {
	return fmt.Sprintf("%d %s by %s (%s, %s)", v.Timestamp, v.Action, v.User, v.Kind, humanize.Bytes(uint64(v.Size)))
}

// The version log holds one line per version, oldest first:
//
//	timestamp|action|user|size|kind
const logFields = 5

func (v *VersionInfo) appendLine(dst []byte) []byte {
	dst = strconv.AppendInt(dst, v.Timestamp, 10)
	dst = append(dst, '|')
	dst = append(dst, logSafe(string(v.Action))...)
	dst = append(dst, '|')
	dst = append(dst, logSafe(v.User)...)
	dst = append(dst, '|')
	dst = strconv.AppendInt(dst, v.Size, 10)
	dst = append(dst, '|')
	dst = append(dst, v.Kind...)
	return append(dst, '\n')
}

func parseVersionLog(r io.Reader) ([]*VersionInfo, error) {
	var versions []*VersionInfo

	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		text := s.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}

		v, err := parseLogLine(text)
		if err != nil {
			return nil, &Error{Kind: KindVersion, Op: "read_version_log", Line: line, Err: errors.Wrap(ErrLogCorrupted, err.Error())}
		}
		if n := len(versions); n != 0 && v.Timestamp <= versions[n-1].Timestamp {
			return nil, &Error{Kind: KindVersion, Op: "read_version_log", Line: line, Err: errors.Wrap(ErrLogCorrupted, "timestamps out of order")}
		}
		versions = append(versions, v)
	}
	if err := s.Err(); err != nil {
		return nil, &Error{Kind: KindIO, Op: "read_version_log", Err: errors.Wrap(err, "scan version.log")}
	}
	return versions, nil
}

func parseLogLine(text string) (*VersionInfo, error) {
	parts := strings.Split(text, "|")
	if len(parts) != logFields {
		return nil, fmt.Errorf("expected %d fields, found %d", logFields, len(parts))
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ts <= 0 {
		return nil, fmt.Errorf("invalid timestamp %q", parts[0])
	}
	size, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("invalid size %q", parts[3])
	}

	kind := VersionKind(parts[4])
	if kind != VersionSnapshot && kind != VersionDelta {
		return nil, fmt.Errorf("invalid kind %q", parts[4])
	}
	return &VersionInfo{
		Timestamp: ts,
		Action:    Action(parts[1]),
		User:      parts[2],
		Size:      size,
		Kind:      kind,
	}, nil
}

func logSafe(s string) string {
	if s == "" {
		return "-"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '|', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// newest returns versions newest first.
func newest(versions []*VersionInfo) []*VersionInfo {
	res := make([]*VersionInfo, len(versions))
	for i, v := range versions {
		res[len(versions)-1-i] = v
	}
	return res
}

func readVersionLog(data []byte) ([]*VersionInfo, error) {
	return parseVersionLog(bytes.NewReader(data))
}
