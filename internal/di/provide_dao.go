package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/outposts-backup/internal/dao/baselinedao"
	"github.com/savaki/outposts-backup/internal/services"
)

// ProvideBaselineDAO returns nil when no baseline table is configured
func ProvideBaselineDAO(client *dynamodb.Client, config *services.Config) *baselinedao.DAO {
	if config.BaselineTableName == "" {
		return nil
	}
	return baselinedao.New(client, config.BaselineTableName)
}
