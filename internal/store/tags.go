package store

import (
	"sort"

	json "github.com/goccy/go-json"

	"github.com/weftworks/weft/internal/werr"
)

// ListTags returns the tag vocabulary merged with every tag that occurs on
// a transfer record, sorted. A tag deleted from the vocabulary but still
// present on a record therefore keeps showing up until the last record
// drops it.
func (d *DB) ListTags() ([]string, error) {
	seen := map[string]bool{}

	rows, err := d.db.Query(`SELECT name FROM tags`)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list tags")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, werr.Wrap(err, werr.KindStorageIO, "scan tag")
		}
		seen[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list tags")
	}

	rows, err = d.db.Query(`SELECT tags FROM files WHERE tags != '[]'`)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list tag occurrences")
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, werr.Wrap(err, werr.KindStorageIO, "scan tag occurrences")
		}
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			continue
		}
		for _, t := range tags {
			seen[t] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list tag occurrences")
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// AddTag adds a tag to the vocabulary. Adding an existing tag is a no-op.
func (d *DB) AddTag(name string) (string, error) {
	name = normalizeTag(name)
	if name == "" {
		return "", werr.New(werr.KindInvalidArgument, "empty tag name")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
		return "", werr.Wrap(err, werr.KindStorageIO, "add tag %q", name)
	}
	return name, nil
}

// DeleteTag removes a tag from the vocabulary and strips it from every
// transfer record that carries it. Returns how many records were updated.
func (d *DB) DeleteTag(name string) (int, error) {
	name = normalizeTag(name)
	if name == "" {
		return 0, werr.New(werr.KindInvalidArgument, "empty tag name")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM tags WHERE name = ?`, name); err != nil {
		return 0, werr.Wrap(err, werr.KindStorageIO, "delete tag %q", name)
	}

	rows, err := d.db.Query(`SELECT id, tags FROM files WHERE tags LIKE ?`, `%"`+name+`"%`)
	if err != nil {
		return 0, werr.Wrap(err, werr.KindStorageIO, "find tagged records")
	}

	type update struct {
		id   int64
		tags string
	}
	var updates []update
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, werr.Wrap(err, werr.KindStorageIO, "scan tagged record")
		}
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			continue
		}
		if !hasTag(tags, name) {
			continue
		}
		kept := []string{}
		for _, t := range tags {
			if t != name {
				kept = append(kept, t)
			}
		}
		keptJSON, _ := json.Marshal(kept)
		updates = append(updates, update{id: id, tags: string(keptJSON)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, werr.Wrap(err, werr.KindStorageIO, "find tagged records")
	}

	for _, u := range updates {
		if _, err := d.db.Exec(`UPDATE files SET tags = ? WHERE id = ?`, u.tags, u.id); err != nil {
			return 0, werr.Wrap(err, werr.KindStorageIO, "strip tag from record %d", u.id)
		}
	}
	return len(updates), nil
}
