package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"tasksync/domain"
)

// entityTable is the subset of *aztables.Client the directory uses.
type entityTable interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

type tableEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// memberEntity is stored under PartitionKey=workspace, RowKey=member:{userID}.
type memberEntity struct {
	tableEntity
	UserID      string `json:"UserId"`
	Username    string `json:"Username"`
	DisplayName string `json:"DisplayName,omitempty"`
	AvatarURL   string `json:"AvatarUrl,omitempty"`
	Role        string `json:"Role"`
}

// usernameEntity maps RowKey=username:{lowercase name} to a user id.
type usernameEntity struct {
	tableEntity
	UserID string `json:"UserId"`
}

func memberRowKey(userID string) string { return "member:" + userID }

func usernameRowKey(username string) string { return "username:" + strings.ToLower(username) }

// TableDirectory resolves workspace members from an Azure table.
type TableDirectory struct {
	table entityTable
}

// NewTableDirectory opens the members table using a storage connection string.
func NewTableDirectory(connStr, tableName string) (*TableDirectory, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &TableDirectory{table: svc.NewClient(tableName)}, nil
}

func newTableDirectory(table entityTable) *TableDirectory {
	return &TableDirectory{table: table}
}

func (d *TableDirectory) getEntity(ctx context.Context, pk, rk string, dst any) error {
	ent, err := d.table.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.ErrNotFound
		}
		return err
	}
	if err := sonic.ConfigStd.Unmarshal(ent.Value, dst); err != nil {
		return fmt.Errorf("decode %s/%s: %w", pk, rk, err)
	}
	return nil
}

func (d *TableDirectory) Member(ctx context.Context, workspaceID, userID string) (domain.Member, error) {
	var ent memberEntity
	if err := d.getEntity(ctx, workspaceID, memberRowKey(userID), &ent); err != nil {
		return domain.Member{}, err
	}
	return domain.Member{
		WorkspaceID: workspaceID,
		UserID:      ent.UserID,
		Username:    ent.Username,
		DisplayName: ent.DisplayName,
		AvatarURL:   ent.AvatarURL,
		Role:        domain.Role(ent.Role),
	}, nil
}

func (d *TableDirectory) MemberByUsername(ctx context.Context, workspaceID, username string) (domain.Member, error) {
	var ent usernameEntity
	if err := d.getEntity(ctx, workspaceID, usernameRowKey(username), &ent); err != nil {
		return domain.Member{}, err
	}
	return d.Member(ctx, workspaceID, ent.UserID)
}

// UpsertMember writes both the member row and its username index row.
func (d *TableDirectory) UpsertMember(ctx context.Context, m domain.Member) error {
	member, err := sonic.ConfigStd.Marshal(memberEntity{
		tableEntity: tableEntity{PartitionKey: m.WorkspaceID, RowKey: memberRowKey(m.UserID)},
		UserID:      m.UserID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		Role:        string(m.Role),
	})
	if err != nil {
		return err
	}
	if _, err := d.table.UpsertEntity(ctx, member, nil); err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	if m.Username == "" {
		return nil
	}
	index, err := sonic.ConfigStd.Marshal(usernameEntity{
		tableEntity: tableEntity{PartitionKey: m.WorkspaceID, RowKey: usernameRowKey(m.Username)},
		UserID:      m.UserID,
	})
	if err != nil {
		return err
	}
	if _, err := d.table.UpsertEntity(ctx, index, nil); err != nil {
		return fmt.Errorf("upsert username index: %w", err)
	}
	return nil
}
