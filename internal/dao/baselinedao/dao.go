package baselinedao

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/segmentio/ksuid"
)

// TableName returns the name of the baseline ledger table for env
func TableName(env string) string {
	return fmt.Sprintf("%s-outposts-backup-baselines", env)
}

// PK represents the partition key: the id of the instance being backed up
type PK string

func NewPK(instanceID string) PK {
	return PK(instanceID)
}

func (pk PK) String() string {
	return string(pk)
}

// ID represents a baseline ID in format {instance-id}:{ksuid}
// Example: i-0123456789abcdef0:2HFj3kLmNoPqRsTuVwXy
type ID string

func NewID(pk PK, sk string) ID {
	return ID(fmt.Sprintf("%s:%s", pk, sk))
}

// ParseID parses an ID into its partition key and sort key components
func ParseID(id ID) (pk PK, sk string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid baseline ID format: %s, expected {instance-id}:{ksuid}", s)
	}
	return PK(parts[0]), parts[1], nil
}

func (id ID) String() string {
	return string(id)
}

// Source describes how the baseline volume was materialized
type Source string

const (
	SourceSnapshot Source = "SNAPSHOT" // cloned from the root snapshot of the AMI
	SourceInstance Source = "INSTANCE" // root volume of a throwaway instance
)

// Record represents one baseline volume provisioned for an instance
type Record struct {
	PK            PK     `ddb:"hash" dynamodbav:"pk"`  // instance id
	SK            string `ddb:"range" dynamodbav:"sk"` // KSUID
	VolumeID      string `dynamodbav:"volume_id"`
	AmiID         string `dynamodbav:"ami_id"`
	SnapshotID    string `dynamodbav:"snapshot_id,omitempty"`
	Source        Source `dynamodbav:"source"`
	VolumeSizeGiB int32  `dynamodbav:"volume_size_gib"`
	ExecutionID   string `dynamodbav:"execution_id,omitempty"` // SSM automation execution id
	CreatedAt     int64  `dynamodbav:"created_at"`
}

// GetID returns the full baseline ID
func (r *Record) GetID() ID {
	return NewID(r.PK, r.SK)
}

// CreateInput contains the fields needed to record a baseline volume
type CreateInput struct {
	InstanceID    string
	VolumeID      string
	AmiID         string
	SnapshotID    string
	Source        Source
	VolumeSizeGiB int32
	ExecutionID   string
}

// DAO provides data access operations for baseline records
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
	}
}

// Create records a new baseline volume
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	if input.InstanceID == "" || input.VolumeID == "" {
		return Record{}, fmt.Errorf("instance id and volume id are required")
	}

	record := Record{
		PK:            NewPK(input.InstanceID),
		SK:            ksuid.New().String(),
		VolumeID:      input.VolumeID,
		AmiID:         input.AmiID,
		SnapshotID:    input.SnapshotID,
		Source:        input.Source,
		VolumeSizeGiB: input.VolumeSizeGiB,
		ExecutionID:   input.ExecutionID,
		CreatedAt:     time.Now().Unix(),
	}

	err := d.table.Put(&record).RunWithContext(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create baseline record: %w", err)
	}

	return record, nil
}

// Find retrieves a baseline record by ID
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	pk, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record
	err = d.table.Get(pk.String()).
		Range(sk).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return Record{}, fmt.Errorf("baseline record not found: %s", id)
		}
		return Record{}, fmt.Errorf("failed to find baseline record: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("baseline record not found: %s", id)
	}

	return record, nil
}

// Query returns all baselines of an instance, newest first
func (d *DAO) Query(ctx context.Context, instanceID string) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", NewPK(instanceID).String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query baselines: %w", err)
	}

	// KSUIDs sort by creation time
	sort.Slice(records, func(i, j int) bool {
		return records[i].SK > records[j].SK
	})

	return records, nil
}

// FindLatest returns the newest baseline of an instance, or nil when none exist
func (d *DAO) FindLatest(ctx context.Context, instanceID string) (*Record, error) {
	records, err := d.Query(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}
