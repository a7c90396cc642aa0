// Package retention implements the bucketed "keep the most recent N per
// period" backup pruning policy: yearly, monthly, weekly and daily buckets,
// each retaining only its most recent backup per period, up to a
// configurable number of periods.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/josejamilena/zvault/internal/bitmap"
	"github.com/josejamilena/zvault/pkg/layout"
)

// Entry is the minimal view of a named backup the pruner needs: enough to
// filter by name prefix and sort chronologically. Loading the full set of
// backups from disk is the caller's job.
type Entry struct {
	Name string
	Date time.Time
}

// Policy names how many of the most recent yearly/monthly/weekly/daily
// periods to retain. A nil limit disables that bucket entirely.
type Policy struct {
	Yearly  *int
	Monthly *int
	Weekly  *int
	Daily   *int
}

type bucket struct {
	limit int
	keyOf func(time.Time) string
}

func yearKey(t time.Time) string  { return fmt.Sprintf("%04d", t.Year()) }
func monthKey(t time.Time) string { return fmt.Sprintf("%04d-%02d", t.Year(), t.Month()) }
func dayKey(t time.Time) string   { return fmt.Sprintf("%04d-%02d-%02d", t.Year(), t.Month(), t.Day()) }
func weekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func (p Policy) buckets() []bucket {
	var bs []bucket
	if p.Yearly != nil {
		bs = append(bs, bucket{limit: *p.Yearly, keyOf: yearKey})
	}
	if p.Monthly != nil {
		bs = append(bs, bucket{limit: *p.Monthly, keyOf: monthKey})
	}
	if p.Weekly != nil {
		bs = append(bs, bucket{limit: *p.Weekly, keyOf: weekKey})
	}
	if p.Daily != nil {
		bs = append(bs, bucket{limit: *p.Daily, keyOf: dayKey})
	}
	return bs
}

// Plan filters entries to those whose name has prefix, sorts them ascending
// by date, and decides which to keep under policy. It performs no I/O and
// deletes nothing.
func Plan(entries []Entry, prefix string, policy Policy) (keep, remove []string) {
	var filtered []Entry
	for _, e := range entries {
		if strings.HasPrefix(e.Name, prefix) {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Date.Before(filtered[j].Date) })

	kept := bitmap.New(len(filtered))
	for _, b := range policy.buckets() {
		var fifo []int
		lastKey := ""
		haveLast := false
		for i, e := range filtered {
			k := b.keyOf(e.Date)
			switch {
			case !haveLast || k != lastKey:
				fifo = append(fifo, i)
				if len(fifo) > b.limit {
					fifo = fifo[1:]
				}
				lastKey = k
				haveLast = true
			default:
				// Still within the same period: advance this bucket's slot
				// to the most recent backup seen in it so far.
				fifo[len(fifo)-1] = i
			}
		}
		for _, idx := range fifo {
			kept.Set(idx)
		}
	}

	for i, e := range filtered {
		if kept.Get(i) {
			keep = append(keep, e.Name)
		} else {
			remove = append(remove, e.Name)
		}
	}
	return keep, remove
}

// DeleteBackup removes the backup file named name, then walks its parent
// directories upward removing each one that turns out empty, stopping at
// the first non-empty parent (or the backups root). Per-directory removal
// failures are not propagated - an empty-directory check followed by a
// remove is inherently racy and not worth failing the whole prune over.
func DeleteBackup(l layout.Layout, name string) error {
	path := l.BackupPath(name)
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "remove backup %s", name)
	}

	base := filepath.Clean(l.BackupsPath())
	dir := filepath.Dir(path)
	for {
		rel, err := filepath.Rel(base, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// PruneBackups plans removals under policy and, if force is true, deletes
// them via DeleteBackup. It returns the names kept and the names removed
// (or, when force is false, merely marked for removal).
func PruneBackups(l layout.Layout, entries []Entry, prefix string, policy Policy, force bool) (kept, removed []string, err error) {
	kept, removed = Plan(entries, prefix, policy)
	if !force {
		return kept, removed, nil
	}
	for _, name := range removed {
		if err := DeleteBackup(l, name); err != nil {
			return kept, removed, err
		}
	}
	return kept, removed, nil
}
