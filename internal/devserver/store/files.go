package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// File is an uploaded attachment.
type File struct {
	ID       string
	Name     string
	MimeType string
	Data     []byte
}

// PutFile stores an attachment and returns its id.
func (db *DB) PutFile(name, mimeType string, data []byte) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(`INSERT INTO files (id, name, mime_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, mimeType, data, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetFile returns a stored attachment.
func (db *DB) GetFile(id string) (*File, error) {
	f := File{ID: id}
	err := db.QueryRow(`SELECT name, mime_type, data FROM files WHERE id = ?`, id).Scan(&f.Name, &f.MimeType, &f.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
