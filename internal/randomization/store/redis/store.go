// Package redis keeps a randomization list in Redis. Every mutation runs as a
// Lua script, so a claim is a single atomic compare-and-set on the server.
//
// Key layout under trialrand:{scheme}:
//
//	rec:<id>          hash   record fields
//	site:<site>       zset   every record id at a site, scored by sid
//	unclaimed:<site>  zset   unclaimed record ids, scored by sid
//	keys              hash   "<site>.<sid>" -> id
//	subjects          hash   subject -> id
//	sites             set    site names
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trialrand/internal/randomization/models"
	"trialrand/pkg/platform/sentinel"
)

// Store implements ports.RecordStore for one scheme.
type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, scheme string) *Store {
	return &Store{client: client, prefix: "trialrand:{" + scheme + "}:"}
}

const (
	statusOK          = "ok"
	statusNotFound    = "not_found"
	statusConflict    = "conflict"
	statusAlreadyUsed = "already_used"
	statusInvalid     = "invalid_state"
)

// Scripts declare the keys they know up front so a cluster client routes
// them to the slot of the scheme's hash tag. Per-site and per-record keys
// are derived from the prefix and share that slot.

// insertScript checks every key before writing anything.
// KEYS: keys, sites. ARGV: prefix, then (id, site, sid, assignment,
// allocation_value) per record.
var insertScript = redis.NewScript(`
local prefix = ARGV[1]
local seen = {}
for i = 2, #ARGV, 5 do
  local key = ARGV[i+1] .. "." .. ARGV[i+2]
  if seen[key] or redis.call("HEXISTS", KEYS[1], key) == 1 then
    return "conflict"
  end
  if redis.call("EXISTS", prefix .. "rec:" .. ARGV[i]) == 1 then
    return "conflict"
  end
  seen[key] = true
end
for i = 2, #ARGV, 5 do
  local id, site, sid = ARGV[i], ARGV[i+1], ARGV[i+2]
  redis.call("HSET", prefix .. "rec:" .. id,
    "id", id, "site_name", site, "sid", sid,
    "assignment", ARGV[i+3], "allocation_value", ARGV[i+4],
    "allocated", "0", "verified", "0")
  redis.call("ZADD", prefix .. "site:" .. site, sid, id)
  redis.call("ZADD", prefix .. "unclaimed:" .. site, sid, id)
  redis.call("HSET", KEYS[1], site .. "." .. sid, id)
  redis.call("SADD", KEYS[2], site)
end
return "ok"
`)

// claimScript KEYS: rec:<id>, subjects.
// ARGV: prefix, id, subject, allocated_at, allocated_by, allocated_site.
var claimScript = redis.NewScript(`
local prefix, id, subject = ARGV[1], ARGV[2], ARGV[3]
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return "not_found"
end
if redis.call("HGET", key, "allocated") == "1" then
  return "already_used"
end
if redis.call("HEXISTS", KEYS[2], subject) == 1 then
  return "conflict"
end
redis.call("HSET", key, "allocated", "1", "subject_identifier", subject,
  "allocated_at", ARGV[4], "allocated_by", ARGV[5], "allocated_site", ARGV[6])
redis.call("HSET", KEYS[2], subject, id)
redis.call("ZREM", prefix .. "unclaimed:" .. redis.call("HGET", key, "site_name"), id)
return "ok"
`)

// verifyScript KEYS: rec:<id>. ARGV: verified_at, verified_by.
var verifyScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return "not_found"
end
if redis.call("HGET", key, "allocated") ~= "1" then
  return "invalid_state"
end
if redis.call("HGET", key, "verified") == "1" then
  return "conflict"
end
redis.call("HSET", key, "verified", "1", "verified_at", ARGV[1], "verified_by", ARGV[2])
return "ok"
`)

func (s *Store) Insert(ctx context.Context, records []models.ListRecord) error {
	if len(records) == 0 {
		return nil
	}
	args := make([]any, 0, 1+5*len(records))
	args = append(args, s.prefix)
	for _, r := range records {
		args = append(args, r.ID, r.SiteName, r.SequenceID, string(r.Assignment), r.AllocationValue)
	}
	status, err := insertScript.Run(ctx, s.client, s.insertKeys(), args...).Text()
	if err != nil {
		return fmt.Errorf("insert list rows: %w", err)
	}
	return statusErr(status)
}

func (s *Store) insertKeys() []string {
	return []string{s.prefix + "keys", s.prefix + "sites"}
}

func (s *Store) claimKeys(id string) []string {
	return []string{s.prefix + "rec:" + id, s.prefix + "subjects"}
}

func (s *Store) verifyKeys(id string) []string {
	return []string{s.prefix + "rec:" + id}
}

func (s *Store) NextUnclaimed(ctx context.Context, siteName string) (*models.ListRecord, error) {
	ids, err := s.client.ZRange(ctx, s.prefix+"unclaimed:"+siteName, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("next unclaimed: %w", err)
	}
	if len(ids) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return s.load(ctx, ids[0])
}

func (s *Store) Claim(ctx context.Context, recordID string, claim models.Claim) (*models.ListRecord, error) {
	status, err := claimScript.Run(ctx, s.client, s.claimKeys(recordID),
		s.prefix, recordID, claim.SubjectIdentifier, formatTime(claim.At), claim.Actor, claim.Site).Text()
	if err != nil {
		return nil, fmt.Errorf("claim record: %w", err)
	}
	if err := statusErr(status); err != nil {
		return nil, err
	}
	return s.load(ctx, recordID)
}

func (s *Store) MarkVerified(ctx context.Context, recordID, actor string, at time.Time) (*models.ListRecord, error) {
	status, err := verifyScript.Run(ctx, s.client, s.verifyKeys(recordID), formatTime(at), actor).Text()
	if err != nil {
		return nil, fmt.Errorf("verify record: %w", err)
	}
	if err := statusErr(status); err != nil {
		return nil, err
	}
	return s.load(ctx, recordID)
}

func (s *Store) FindBySubject(ctx context.Context, subject string) (*models.ListRecord, error) {
	return s.loadIndexed(ctx, "subjects", subject)
}

func (s *Store) FindBySID(ctx context.Context, siteName string, sequenceID int) (*models.ListRecord, error) {
	key := models.RecordKey{SiteName: siteName, SequenceID: sequenceID}
	return s.loadIndexed(ctx, "keys", key.String())
}

func (s *Store) Records(ctx context.Context) ([]models.ListRecord, error) {
	sites, err := s.client.SMembers(ctx, s.prefix+"sites").Result()
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	slices.Sort(sites)

	var out []models.ListRecord
	for _, site := range sites {
		ids, err := s.client.ZRange(ctx, s.prefix+"site:"+site, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list site %s: %w", site, err)
		}
		cmds, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range ids {
				p.HGetAll(ctx, s.prefix+"rec:"+id)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load site %s: %w", site, err)
		}
		for _, cmd := range cmds {
			rec, err := decode(cmd.(*redis.MapStringStringCmd).Val())
			if err != nil {
				return nil, err
			}
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *Store) loadIndexed(ctx context.Context, index, field string) (*models.ListRecord, error) {
	id, err := s.client.HGet(ctx, s.prefix+index, field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", index, err)
	}
	return s.load(ctx, id)
}

func (s *Store) load(ctx context.Context, id string) (*models.ListRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+"rec:"+id).Result()
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if len(fields) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return decode(fields)
}

func decode(f map[string]string) (*models.ListRecord, error) {
	sid, err := strconv.Atoi(f["sid"])
	if err != nil {
		return nil, fmt.Errorf("decode record %s: sid: %w", f["id"], err)
	}
	rec := &models.ListRecord{
		ID:                f["id"],
		SiteName:          f["site_name"],
		SequenceID:        sid,
		Assignment:        models.Assignment(f["assignment"]),
		AllocationValue:   f["allocation_value"],
		Allocated:         f["allocated"] == "1",
		SubjectIdentifier: f["subject_identifier"],
		AllocatedBy:       f["allocated_by"],
		AllocatedSite:     f["allocated_site"],
		Verified:          f["verified"] == "1",
		VerifiedBy:        f["verified_by"],
	}
	if rec.AllocatedAt, err = parseTime(f["allocated_at"]); err != nil {
		return nil, fmt.Errorf("decode record %s: allocated_at: %w", rec.ID, err)
	}
	if rec.VerifiedAt, err = parseTime(f["verified_at"]); err != nil {
		return nil, fmt.Errorf("decode record %s: verified_at: %w", rec.ID, err)
	}
	return rec, nil
}

func statusErr(status string) error {
	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return sentinel.ErrNotFound
	case statusConflict:
		return sentinel.ErrConflict
	case statusAlreadyUsed:
		return sentinel.ErrAlreadyUsed
	case statusInvalid:
		return sentinel.ErrInvalidState
	}
	return fmt.Errorf("unexpected script status %q", status)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
