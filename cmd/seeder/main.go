// Command seeder fills a pixelarr database with synthetic tracked files and
// operation reports for UI and API development. Start the server once
// against the same file first so the schema exists.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(timeLayout) }

var libraries = []struct {
	root  string
	kind  string
	exts  []string
	names []string
}{
	{"/mnt/media/Movies", "video", []string{".mkv", ".mp4"}, []string{"Avatar (2009)", "Inception (2010)", "Heat (1995)", "Alien (1979)", "Arrival (2016)"}},
	{"/mnt/media/TV", "video", []string{".mkv"}, []string{"Breaking Bad", "The Wire", "Severance", "Dark"}},
	{"/mnt/media/Music", "audio", []string{".flac", ".mp3"}, []string{"Kind of Blue", "OK Computer", "Blue Train"}},
	{"/mnt/media/Photos", "image", []string{".jpg", ".png", ".heic"}, []string{"2023-Iceland", "2024-Lisbon", "Family"}},
}

var corruptDetails = map[string][]string{
	"video": {"Invalid data found when processing input", "moov atom not found", "Stream 0: decode error at 00:41:12"},
	"audio": {"Header missing", "Invalid sync code"},
	"image": {"Premature end of JPEG file", "CRC error in IDAT chunk"},
}

func main() {
	dbPath := flag.String("db", "./config/pixelarr.db", "Database file to seed")
	files := flag.Int("files", 500, "Number of tracked files to create")
	reports := flag.Int("reports", 20, "Number of operation reports to create")
	flag.Parse()

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Printf("Seeding %s...\n", *dbPath)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()

	tx, err := db.Begin()
	if err != nil {
		log.Fatal(err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO tracked_files
		(path, size, mtime_ns, media_kind, status, detail, tool, duration_ms, last_scanned_at, last_checked_at, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		log.Fatal(err)
	}
	for i := 0; i < *files; i++ {
		lib := libraries[rng.Intn(len(libraries))]
		name := lib.names[rng.Intn(len(lib.names))]
		ext := lib.exts[rng.Intn(len(lib.exts))]
		path := filepath.Join(lib.root, name, fmt.Sprintf("%s - %04d%s", name, i, ext))

		status, detail, tool := "healthy", "", toolFor(lib.kind)
		switch r := rng.Intn(100); {
		case r < 4:
			status = "corrupted"
			details := corruptDetails[lib.kind]
			detail = details[rng.Intn(len(details))]
		case r < 6:
			status = "warning"
			detail = "non-monotonic DTS"
		case r < 7:
			status = "error"
			detail = "Timeout: check exceeded 5m0s"
		case r < 12:
			status = "pending"
			tool = ""
		}

		mtime := now.Add(-time.Duration(rng.Intn(365*24)) * time.Hour)
		discovered := mtime.Add(time.Hour)
		var scanned interface{}
		if status != "pending" {
			scanned = ts(discovered.Add(time.Duration(rng.Intn(48)) * time.Hour))
		}
		if _, err := stmt.Exec(path, rng.Int63n(40<<30)+1<<20, mtime.UnixNano(), lib.kind, status, detail, tool,
			rng.Intn(30000), scanned, scanned, ts(discovered)); err != nil {
			log.Printf("Failed to insert file %s: %v", path, err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Fatal(err)
	}

	kinds := []string{"scan", "cleanup", "file_changes"}
	for i := 0; i < *reports; i++ {
		kind := kinds[i%len(kinds)]
		started := now.Add(-time.Duration(*reports-i) * 6 * time.Hour)
		ended := started.Add(time.Duration(rng.Intn(3600)+30) * time.Second)
		status := "completed"
		if rng.Intn(10) == 0 {
			status = "cancelled"
		}

		var scanned, corrupted, orphansFound, changes int
		switch kind {
		case "scan":
			scanned = rng.Intn(2000)
			corrupted = rng.Intn(5)
		case "cleanup":
			orphansFound = rng.Intn(20)
		case "file_changes":
			changes = rng.Intn(50)
		}
		roots, _ := json.Marshal([]string{"/mnt/media/Movies", "/mnt/media/TV"})

		_, err := db.Exec(`INSERT INTO operation_reports
			(operation_id, kind, status, started_at, ended_at, scanned, corrupted, orphans_found, orphans_deleted, changes_found, roots)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), kind, status, ts(started), ts(ended), scanned, corrupted, orphansFound, orphansFound, changes, string(roots))
		if err != nil {
			log.Printf("Failed to insert report: %v", err)
		}
	}

	fmt.Println("Seeding complete.")
}

func toolFor(kind string) string {
	if kind == "image" {
		return "magick"
	}
	return "ffprobe"
}
