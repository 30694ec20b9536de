package hourtail

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Resolver maps hourly buckets to directories of the form
// {base}/{yyyy-MM-dd}/{hour} and lists the log files inside them.
type Resolver struct {
	fs       afero.Fs
	base     string
	suffix   string
	location *time.Location
}

// NewResolver returns a Resolver over fs. A nil location means time.Local.
func NewResolver(fs afero.Fs, base, suffix string, location *time.Location) *Resolver {
	if location == nil {
		location = time.Local
	}
	return &Resolver{fs: fs, base: base, suffix: suffix, location: location}
}

// HourStart returns the start of the wall-clock hour containing t in loc.
func HourStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	// Subtracting keeps the zone offset of t, which time.Date would have to
	// guess for the repeated hour at the end of daylight saving time.
	return t.Add(-time.Duration(t.Minute())*time.Minute -
		time.Duration(t.Second())*time.Second -
		time.Duration(t.Nanosecond()))
}

// Dir returns the directory holding the bucket for hour. The hour component
// is not zero padded.
func (r *Resolver) Dir(hour time.Time) string {
	hour = hour.In(r.location)
	return filepath.Join(r.base, hour.Format("2006-01-02"), strconv.Itoa(hour.Hour()))
}

// Files lists the files below the bucket directory whose path ends with the
// configured suffix.
func (r *Resolver) Files(hour time.Time) ([]string, error) {
	return r.filenames(r.Dir(hour))
}

func (r *Resolver) filenames(dir string) ([]string, error) {
	var filenames []string
	err := afero.Walk(r.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && strings.HasSuffix(path, r.suffix) {
			filenames = append(filenames, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	// NOTE: sort order is what makes the file set reproducible across runs
	sort.Strings(filenames)
	return filenames, nil
}

// Check returns nil when the bucket for hour exists and holds exactly expected
// matching files. Otherwise the error matches ErrBucketUnavailable, unless
// listing the directory itself failed.
func (r *Resolver) Check(hour time.Time, expected int) error {
	dir := r.Dir(hour)
	ok, err := afero.DirExists(r.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "stat %s", dir)
	}
	if !ok {
		return errors.Wrapf(ErrBucketUnavailable, "%s does not exist", dir)
	}
	files, err := r.filenames(dir)
	if err != nil {
		return err
	}
	if len(files) != expected {
		return errors.Wrapf(ErrBucketUnavailable, "%s has %d of %d files", dir, len(files), expected)
	}
	return nil
}

// Ready reports whether the bucket for hour is complete.
func (r *Resolver) Ready(hour time.Time, expected int) bool {
	return r.Check(hour, expected) == nil
}
