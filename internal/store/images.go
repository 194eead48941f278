package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateGameImage inserts a catalog entry.
func (s *Store) CreateGameImage(ctx context.Context, img GameImage) (*GameImage, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO game_images (friendly_name, image_ref, default_internal_port, min_ram, min_cpu, protocol, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		img.FriendlyName, img.ImageRef, img.DefaultInternalPort,
		img.MinRAM, img.MinCPU, img.Protocol, img.Description,
	).Scan(&img.ID)
	if err != nil {
		return nil, fmt.Errorf("creating game image %q: %w", img.FriendlyName, err)
	}
	return &img, nil
}

// GetGameImage loads a catalog entry by id. Returns nil, nil when it
// does not exist.
func (s *Store) GetGameImage(ctx context.Context, id int64) (*GameImage, error) {
	var img GameImage
	err := s.pool.QueryRow(ctx,
		`SELECT id, friendly_name, image_ref, default_internal_port, min_ram, min_cpu, protocol, COALESCE(description, '')
		 FROM game_images WHERE id = $1`, id,
	).Scan(&img.ID, &img.FriendlyName, &img.ImageRef, &img.DefaultInternalPort,
		&img.MinRAM, &img.MinCPU, &img.Protocol, &img.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying game image %d: %w", id, err)
	}
	return &img, nil
}

// ListGameImages returns the full catalog.
func (s *Store) ListGameImages(ctx context.Context) ([]GameImage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, friendly_name, image_ref, default_internal_port, min_ram, min_cpu, protocol, COALESCE(description, '')
		 FROM game_images ORDER BY friendly_name`)
	if err != nil {
		return nil, fmt.Errorf("querying game images: %w", err)
	}
	defer rows.Close()

	var out []GameImage
	for rows.Next() {
		var img GameImage
		if err := rows.Scan(&img.ID, &img.FriendlyName, &img.ImageRef, &img.DefaultInternalPort,
			&img.MinRAM, &img.MinCPU, &img.Protocol, &img.Description); err != nil {
			return nil, fmt.Errorf("scanning game image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}
