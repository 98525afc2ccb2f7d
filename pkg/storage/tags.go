package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nodenexus/nodenexus/pkg/types"
)

// CreateTag inserts a tag and assigns its id.
func (s *Store) CreateTag(t *types.Tag) error {
	res, err := s.db.Exec(`INSERT INTO tags (user_id, name, color, is_visible) VALUES (?, ?, ?, ?)`,
		t.UserID, t.Name, t.Color, t.IsVisible)
	if err != nil {
		return types.NewStorageError("create tag", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.NewStorageError("create tag id", err)
	}
	t.ID = id
	return nil
}

// GetTag fetches one tag by id.
func (s *Store) GetTag(id int64) (*types.Tag, error) {
	var t types.Tag
	err := s.db.QueryRow(`SELECT id, user_id, name, color, is_visible FROM tags WHERE id = ?`, id).
		Scan(&t.ID, &t.UserID, &t.Name, &t.Color, &t.IsVisible)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get tag", err)
	}
	return &t, nil
}

// ListTagsByUser returns the user's tags ordered by name.
func (s *Store) ListTagsByUser(userID int64) ([]*types.Tag, error) {
	rows, err := s.db.Query(`SELECT id, user_id, name, color, is_visible FROM tags WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, types.NewStorageError("list tags", err)
	}
	defer rows.Close()

	var tags []*types.Tag
	for rows.Next() {
		var t types.Tag
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Color, &t.IsVisible); err != nil {
			return nil, types.NewStorageError("scan tag", err)
		}
		tags = append(tags, &t)
	}
	return tags, types.NewStorageError("list tags", rows.Err())
}

// UpdateTag persists name, color and visibility.
func (s *Store) UpdateTag(t *types.Tag) error {
	res, err := s.db.Exec(`UPDATE tags SET name = ?, color = ?, is_visible = ? WHERE id = ?`,
		t.Name, t.Color, t.IsVisible, t.ID)
	if err != nil {
		return types.NewStorageError("update tag", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tag %d: %w", t.ID, types.ErrNotFound)
	}
	return nil
}

// DeleteTag removes the tag; host and monitor junctions cascade.
func (s *Store) DeleteTag(id int64) error {
	res, err := s.db.Exec(`DELETE FROM tags WHERE id = ?`, id)
	if err != nil {
		return types.NewStorageError("delete tag", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tag %d: %w", id, types.ErrNotFound)
	}
	return nil
}

// SetHostTags replaces the host's tag set.
func (s *Store) SetHostTags(hostID int64, tagIDs []int64) error {
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM host_tags WHERE host_id = ?`, hostID); err != nil {
			return types.NewStorageError("clear host tags", err)
		}
		for _, tagID := range tagIDs {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO host_tags (host_id, tag_id) VALUES (?, ?)`,
				hostID, tagID); err != nil {
				return types.NewStorageError("set host tag", err)
			}
		}
		return nil
	})
}

// TagsForHost returns the tags attached to a host.
func (s *Store) TagsForHost(hostID int64) ([]*types.Tag, error) {
	rows, err := s.db.Query(`SELECT t.id, t.user_id, t.name, t.color, t.is_visible
		FROM tags t JOIN host_tags ht ON ht.tag_id = t.id
		WHERE ht.host_id = ? ORDER BY t.name`, hostID)
	if err != nil {
		return nil, types.NewStorageError("tags for host", err)
	}
	defer rows.Close()

	var tags []*types.Tag
	for rows.Next() {
		var t types.Tag
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Color, &t.IsVisible); err != nil {
			return nil, types.NewStorageError("scan tag", err)
		}
		tags = append(tags, &t)
	}
	return tags, types.NewStorageError("tags for host", rows.Err())
}

// HostIDsForTags expands tag ids into the union of their member host ids.
func (s *Store) HostIDsForTags(tagIDs []int64) ([]int64, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT host_id FROM host_tags WHERE tag_id IN (` + placeholders(len(tagIDs)) + `)`
	rows, err := s.db.Query(query, int64Args(tagIDs)...)
	if err != nil {
		return nil, types.NewStorageError("hosts for tags", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewStorageError("scan host id", err)
		}
		ids = append(ids, id)
	}
	return ids, types.NewStorageError("hosts for tags", rows.Err())
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}
	return string(buf)
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
