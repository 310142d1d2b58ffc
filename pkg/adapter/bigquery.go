package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// TurnLog streams completed turn records into a BigQuery table
type TurnLog struct {
	client    *bigquery.Client
	datasetID string
	tableID   string
}

func NewTurnLog(ctx context.Context, projectID, datasetID, tableID string) (*TurnLog, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &TurnLog{
		client:    client,
		datasetID: datasetID,
		tableID:   tableID,
	}, nil
}

func (x *TurnLog) Close() error {
	return x.client.Close()
}

func (x *TurnLog) table() *bigquery.Table {
	return x.client.Dataset(x.datasetID).Table(x.tableID)
}

// EnsureTable creates the table with a schema inferred from TurnRecord if it does not exist
func (x *TurnLog) EnsureTable(ctx context.Context) error {
	schema, err := bigquery.InferSchema(model.TurnRecord{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer turn record schema")
	}

	err = x.table().Create(ctx, &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "created_at",
		},
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil
		}
		return goerr.Wrap(err, "failed to create turn log table",
			goerr.V("dataset", x.datasetID), goerr.V("table", x.tableID))
	}
	return nil
}

func (x *TurnLog) Put(ctx context.Context, record *model.TurnRecord) error {
	if record == nil {
		return nil
	}
	if err := x.table().Inserter().Put(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to insert turn record",
			goerr.V("dataset", x.datasetID), goerr.V("table", x.tableID))
	}
	return nil
}

// TurnStats aggregates turn records
type TurnStats struct {
	Turns          int64   `bigquery:"turns"`
	AvgRetrievals  float64 `bigquery:"avg_retrievals"`
	MaxRetrievals  int64   `bigquery:"max_retrievals"`
	AvgDurationMS  float64 `bigquery:"avg_duration_ms"`
	AvgHistorySize float64 `bigquery:"avg_history_size"`
}

// Stats summarizes turns recorded since the given time
func (x *TurnLog) Stats(ctx context.Context, since time.Time) (*TurnStats, error) {
	q := x.client.Query(fmt.Sprintf(
		"SELECT COUNT(*) AS turns, "+
			"IFNULL(AVG(retrieval_count), 0) AS avg_retrievals, "+
			"IFNULL(MAX(retrieval_count), 0) AS max_retrievals, "+
			"IFNULL(AVG(duration_ms), 0) AS avg_duration_ms, "+
			"IFNULL(AVG(history_size), 0) AS avg_history_size "+
			"FROM `%s.%s.%s` WHERE created_at >= @since",
		x.client.Project(), x.datasetID, x.tableID))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "since", Value: since},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query turn stats")
	}

	var stats TurnStats
	err = it.Next(&stats)
	if err == iterator.Done {
		return &stats, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read turn stats")
	}
	return &stats, nil
}
