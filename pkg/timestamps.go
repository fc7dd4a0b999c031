package gesher

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	TimestampLogName = "scope-1_info.txt"
	timeTagMarker    = "Time Tags"
)

// TimestampReader serves segment timestamps from the scope log of each run
// directory. Each log is parsed once per TTL however many workers ask.
type TimestampReader struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewTimestampReader keeps parsed logs for ttl. Expired entries are dropped
// on the next load rather than by a background janitor.
func NewTimestampReader(ttl time.Duration) *TimestampReader {
	return &TimestampReader{cache: cache.New(ttl, 0)}
}

// Timestamp returns the time tag of segment (1-based) in dir.
func (r *TimestampReader) Timestamp(dir string, segment int) (float64, bool) {
	tags, err := r.timeTags(dir)
	if err != nil {
		if verbosity > 1 {
			logger.Info(fmt.Sprintf("no timestamps for %s: %v", dir, err), "timestamps")
		}
		return 0, false
	}
	if segment < 1 || segment > len(tags) {
		return 0, false
	}
	ts := tags[segment-1]
	if ts.err != nil {
		if verbosity > 1 {
			logger.Info(fmt.Sprintf("%s segment %d: %v", dir, segment, ts.err), "timestamps")
		}
		return 0, false
	}
	return ts.value, true
}

type timeTag struct {
	value float64
	err   error
}

func (r *TimestampReader) timeTags(dir string) ([]timeTag, error) {
	if tags, ok := r.cache.Get(dir); ok {
		return tags.([]timeTag), nil
	}
	tags, err, _ := r.group.Do(dir, func() (interface{}, error) {
		r.cache.DeleteExpired()
		tags, err := readTimeTags(filepath.Join(dir, TimestampLogName))
		if err != nil {
			return nil, err
		}
		r.cache.SetDefault(dir, tags)
		return tags, nil
	})
	if err != nil {
		return nil, err
	}
	return tags.([]timeTag), nil
}

// readTimeTags collects the value of every "Time Tags" line, in order. A
// line whose value cannot be parsed keeps its place so later segments stay
// aligned.
func readTimeTags(path string) ([]timeTag, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ErrOpenFile{Filename: path, Err: err}
	}
	defer file.Close()

	var tags []timeTag
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !strings.Contains(text, timeTagMarker) {
			continue
		}
		value, err := parseTimeTag(text)
		if err != nil {
			err = &ErrParseLine{Filename: path, Line: line, Err: err}
		}
		tags = append(tags, timeTag{value: value, err: err})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return tags, nil
}

// parseTimeTag reads the quoted float after the last " = ", as in
// Time Tags = '12.5 '.
func parseTimeTag(line string) (float64, error) {
	parts := strings.Split(line, " = ")
	quoted := strings.Split(parts[len(parts)-1], "'")
	if len(quoted) < 2 {
		return 0, fmt.Errorf("no quoted value in %q", line)
	}
	return strconv.ParseFloat(strings.TrimSpace(quoted[1]), 64)
}
