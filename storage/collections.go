package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/sqldb"
)

// NoTTL is the sentinel returned by the Get*Ttl helpers when a key has no
// row, or every row under it has a null ExpireAt (spec §4.9).
const NoTTL = -1 * time.Second

// GetCounter sums every raw PCounter row and the rolled-up
// PAggregatedCounter row for key; a missing key reads as zero, never an
// error (spec §4.8's getCounter contract, §7's NotFound/no-op rule).
func (r *Reader) GetCounter(ctx context.Context, key string) (int64, error) {
	var total int64
	err := r.withSession(ctx, func(session sqldb.DB) error {
		row := session.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT COALESCE(SUM(Value), 0) FROM ("+
				"SELECT Value FROM %[1]sCounter WHERE `Key` = ? "+
				"UNION ALL "+
				"SELECT Value FROM %[1]sAggregatedCounter WHERE `Key` = ?"+
				") u", r.prefix), key, key)
		return row.Scan(&total)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetListCount counts the rows under key.
func (r *Reader) GetListCount(ctx context.Context, key string) (int64, error) {
	return r.count(ctx, "List", key)
}

// GetSetCount counts the rows under key.
func (r *Reader) GetSetCount(ctx context.Context, key string) (int64, error) {
	return r.count(ctx, "Set", key)
}

func (r *Reader) count(ctx context.Context, table, key string) (int64, error) {
	var n int64
	err := r.withSession(ctx, func(session sqldb.DB) error {
		row := session.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s%s WHERE `Key` = ?", r.prefix, table), key)
		return row.Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetAllItemsFromList returns every value under key, newest first (Id
// descending), matching GetRangeFromList's ordering.
func (r *Reader) GetAllItemsFromList(ctx context.Context, key string) ([][]byte, error) {
	return r.queryValues(ctx, fmt.Sprintf("SELECT Value FROM %sList WHERE `Key` = ? ORDER BY Id DESC", r.prefix), key)
}

// GetRangeFromList returns values ranked [from+1, to+1] by Id descending
// within key (spec §4.8's getRangeFromList ordering).
func (r *Reader) GetRangeFromList(ctx context.Context, key string, from, to int) ([][]byte, error) {
	stmt := fmt.Sprintf(
		"SELECT Value FROM ("+
			"SELECT Value, (@listRnk := @listRnk + 1) AS Rnk "+
			"FROM %[1]sList, (SELECT @listRnk := 0) init "+
			"WHERE `Key` = ? ORDER BY Id DESC"+
			") ranked WHERE Rnk BETWEEN ? AND ? ORDER BY Rnk", r.prefix)
	return r.queryValues(ctx, stmt, key, from+1, to+1)
}

// GetListTtl returns min(ExpireAt)-now for key, or NoTTL if the key is
// absent or every row under it has a null ExpireAt.
func (r *Reader) GetListTtl(ctx context.Context, key string) (time.Duration, error) {
	return r.minExpireAt(ctx, "List", key)
}

// GetAllItemsFromSet returns every value under key, ascending by Id.
func (r *Reader) GetAllItemsFromSet(ctx context.Context, key string) ([][]byte, error) {
	return r.queryValues(ctx, fmt.Sprintf("SELECT Value FROM %sSet WHERE `Key` = ? ORDER BY Id ASC", r.prefix), key)
}

// GetRangeFromSet returns values ranked [from+1, to+1] by Id ascending
// within key.
func (r *Reader) GetRangeFromSet(ctx context.Context, key string, from, to int) ([][]byte, error) {
	stmt := fmt.Sprintf(
		"SELECT Value FROM ("+
			"SELECT Value, (@setRnk := @setRnk + 1) AS Rnk "+
			"FROM %[1]sSet, (SELECT @setRnk := 0) init "+
			"WHERE `Key` = ? ORDER BY Id ASC"+
			") ranked WHERE Rnk BETWEEN ? AND ? ORDER BY Rnk", r.prefix)
	return r.queryValues(ctx, stmt, key, from+1, to+1)
}

// GetFirstByLowestScoreFromSet returns the value with the lowest score in
// [fromScore, toScore], if any.
func (r *Reader) GetFirstByLowestScoreFromSet(ctx context.Context, key string, fromScore, toScore float64) ([]byte, bool, error) {
	if toScore < fromScore {
		return nil, false, fmt.Errorf("%w: toScore must be >= fromScore", apperrors.ErrValidation)
	}
	var value []byte
	var found bool
	err := r.withSession(ctx, func(session sqldb.DB) error {
		row := session.QueryRowContext(ctx,
			fmt.Sprintf("SELECT Value FROM %sSet WHERE `Key` = ? AND Score BETWEEN ? AND ? ORDER BY Score ASC LIMIT 1", r.prefix),
			key, fromScore, toScore)
		if err := row.Scan(&value); err != nil {
			if sqldb.IsNoRows(err) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// GetSetTtl returns min(ExpireAt)-now for key, or NoTTL.
func (r *Reader) GetSetTtl(ctx context.Context, key string) (time.Duration, error) {
	return r.minExpireAt(ctx, "Set", key)
}

// GetHash reads one field under key, if present.
func (r *Reader) GetHash(ctx context.Context, key, field string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := r.withSession(ctx, func(session sqldb.DB) error {
		row := session.QueryRowContext(ctx,
			fmt.Sprintf("SELECT Value FROM %sHash WHERE `Key` = ? AND Field = ?", r.prefix), key, field)
		if err := row.Scan(&value); err != nil {
			if sqldb.IsNoRows(err) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// GetAllEntriesFromHash reads every field under key.
func (r *Reader) GetAllEntriesFromHash(ctx context.Context, key string) (map[string][]byte, error) {
	entries := make(map[string][]byte)
	err := r.withSession(ctx, func(session sqldb.DB) error {
		rows, err := session.QueryContext(ctx,
			fmt.Sprintf("SELECT Field, Value FROM %sHash WHERE `Key` = ?", r.prefix), key)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var field string
			var value []byte
			if err := rows.Scan(&field, &value); err != nil {
				return err
			}
			entries[field] = value
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetHashTtl returns min(ExpireAt)-now for key, or NoTTL.
func (r *Reader) GetHashTtl(ctx context.Context, key string) (time.Duration, error) {
	return r.minExpireAt(ctx, "Hash", key)
}

func (r *Reader) minExpireAt(ctx context.Context, table, key string) (time.Duration, error) {
	var minExpire sql.NullTime
	err := r.withSession(ctx, func(session sqldb.DB) error {
		row := session.QueryRowContext(ctx,
			fmt.Sprintf("SELECT MIN(ExpireAt) FROM %s%s WHERE `Key` = ?", r.prefix, table), key)
		return row.Scan(&minExpire)
	})
	if err != nil {
		return 0, err
	}
	if !minExpire.Valid {
		return NoTTL, nil
	}
	return minExpire.Time.Sub(r.now.Now().UTC()), nil
}

func (r *Reader) queryValues(ctx context.Context, stmt string, args ...any) ([][]byte, error) {
	var out [][]byte
	err := r.withSession(ctx, func(session sqldb.DB) error {
		rows, err := session.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var value []byte
			if err := rows.Scan(&value); err != nil {
				return err
			}
			out = append(out, value)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
