package journal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fileJournal writes each run's entries to <dir>/run_<id>/log. Messages
// are kept in separate data files beside the log so the log stays line
// oriented. Not durable beyond machine failure.
//
// Entry layout in the log:
//
//	EventType \n
//	entry id \n
//	time (RFC 3339) \n
//	coordinates \n
//	state \n
//	message data filename, or "-" \n
type fileJournal struct {
	dirName string

	mu   sync.Mutex
	seen map[int64]map[string]bool
}

// NewFileJournal stores runs under dirName, creating it if needed.
func NewFileJournal(dirName string) (Journal, error) {
	if err := os.MkdirAll(dirName, 0755); err != nil {
		return nil, err
	}
	return &fileJournal{dirName: dirName, seen: map[int64]map[string]bool{}}, nil
}

func (j *fileJournal) runDirectory(runID int64) string {
	return filepath.Join(j.dirName, fmt.Sprintf("run_%d", runID))
}

func (j *fileJournal) logFileName(runID int64) string {
	return filepath.Join(j.runDirectory(runID), "log")
}

// data files are named msgType_entryId_data
func (j *fileJournal) dataFileName(e Entry) string {
	return filepath.Join(j.runDirectory(e.RunID), fmt.Sprintf("%v_%v_data", e.Type, e.ID))
}

func (j *fileJournal) Append(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	seen, err := j.seenIDs(e.RunID)
	if err != nil {
		return err
	}
	if e.ID != "" && seen[e.ID] {
		return nil
	}
	if err := os.MkdirAll(j.runDirectory(e.RunID), 0755); err != nil {
		return err
	}

	dataFile := "-"
	if e.Message != "" {
		dataFile = j.dataFileName(e)
		if err := os.WriteFile(dataFile, []byte(e.Message), 0644); err != nil {
			return err
		}
	}

	logFile, err := os.OpenFile(j.logFileName(e.RunID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	// one write per entry so a failure does not leave half a message
	msg := fmt.Sprintf("%v\n%v\n%v\n%v\n%v\n%v\n",
		e.Type, e.ID, e.Time.Format(time.RFC3339Nano), e.Coordinates, e.State, dataFile)
	if _, err := logFile.Write([]byte(msg)); err != nil {
		return err
	}
	if e.ID != "" {
		seen[e.ID] = true
	}
	return logFile.Sync()
}

func (j *fileJournal) seenIDs(runID int64) (map[string]bool, error) {
	if seen, ok := j.seen[runID]; ok {
		return seen, nil
	}
	entries, err := j.read(runID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.ID] = true
	}
	j.seen[runID] = seen
	return seen, nil
}

func (j *fileJournal) Entries(ctx context.Context, runID int64) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.read(runID)
}

func (j *fileJournal) read(runID int64) ([]Entry, error) {
	logFile, err := os.Open(j.logFileName(runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	var entries []Entry
	scanner := bufio.NewScanner(logFile)
	for scanner.Scan() {
		e, err := parseEntry(runID, scanner)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, CorruptedJournalError{runID, err.Error()}
	}
	return entries, nil
}

// parseEntry reads one entry; the scanner is positioned on its first line.
func parseEntry(runID int64, scanner *bufio.Scanner) (Entry, error) {
	t, err := ParseEventType(scanner.Text())
	if err != nil {
		return Entry{}, CorruptedJournalError{runID, err.Error()}
	}
	var fields [5]string
	for i := range fields {
		if !scanner.Scan() {
			return Entry{}, CorruptedJournalError{runID, unexpectedScanEnd(scanner)}
		}
		fields[i] = scanner.Text()
	}
	at, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return Entry{}, CorruptedJournalError{runID, fmt.Sprintf("bad time %q", fields[1])}
	}
	e := Entry{ID: fields[0], RunID: runID, Time: at, Type: t, Coordinates: fields[2], State: fields[3]}
	if fields[4] != "-" {
		data, err := os.ReadFile(fields[4])
		if err != nil {
			return Entry{}, CorruptedJournalError{runID, fmt.Sprintf("reading data file %v: %v", fields[4], err)}
		}
		e.Message = string(data)
	}
	return e, nil
}

func unexpectedScanEnd(scanner *bufio.Scanner) string {
	if scanner.Err() != nil {
		return scanner.Err().Error()
	}
	return "unexpected EOF"
}

// Runs lists the run directories.
func (j *fileJournal) Runs(ctx context.Context) ([]int64, error) {
	files, err := os.ReadDir(j.dirName)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, f := range files {
		if !f.IsDir() || !strings.HasPrefix(f.Name(), "run_") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(f.Name(), "run_"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}
