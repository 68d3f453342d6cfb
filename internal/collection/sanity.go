package collection

import (
	"context"
	"fmt"
)

// SanityVectorLen is the fixed length of the post-merge sanity digest:
// notes, cards, revlog, graves, decks, deck configs, note types, tags,
// config entries — in that order.
const SanityVectorLen = 9

// SanityVector computes the server's per-table count digest. Both sides
// compute this after streaming; element-wise inequality aborts the sync.
func (h *Handle) SanityVector(ctx context.Context) ([]int64, error) {
	v := make([]int64, 0, SanityVectorLen)

	for _, table := range []string{"notes", "cards", "revlog", "graves"} {
		var n int64

		query := fmt.Sprintf(`SELECT count() FROM %s`, table)
		if err := h.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("collection: counting %s: %w", table, err)
		}

		v = append(v, n)
	}

	if h.desc.Legacy() {
		for _, column := range []string{"decks", "dconf", "models"} {
			entries, err := h.readBlobObject(ctx, column)
			if err != nil {
				return nil, err
			}

			v = append(v, int64(len(entries)))
		}

		tags, err := h.readTagMap(ctx)
		if err != nil {
			return nil, err
		}

		v = append(v, int64(len(tags)))

		conf, err := h.readBlobObject(ctx, "conf")
		if err != nil {
			return nil, err
		}

		v = append(v, int64(len(conf)))

		return v, nil
	}

	for _, table := range []string{"decks", "deck_config", "notetypes", "tags", "config"} {
		var n int64

		query := fmt.Sprintf(`SELECT count() FROM %s`, table)
		if err := h.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("collection: counting %s: %w", table, err)
		}

		v = append(v, n)
	}

	return v, nil
}

// SanityMatch compares a client digest element-wise against the server's.
func SanityMatch(client, server []int64) bool {
	if len(client) != len(server) {
		return false
	}

	for i := range client {
		if client[i] != server[i] {
			return false
		}
	}

	return true
}
