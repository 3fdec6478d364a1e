package metrics

import (
	"context"
	"fmt"
	"log"
	"time"

	"qtrain_backend/models"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB archive constants
const (
	ArchiveDBName     = "qtrain_metrics"
	ArchiveCollection = "metric_samples"
	archiveTimeout    = 5 * time.Second
)

// Archive mirrors raw metric samples to MongoDB for offline analysis. The
// archive is best-effort: failures are logged, never surfaced to the ingest
// path.
type Archive struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewArchive connects to MongoDB. An empty uri disables archiving and
// returns (nil, nil); callers treat a nil archive as a no-op.
func NewArchive(uri string) (*Archive, error) {
	if uri == "" {
		log.Println("MONGODB_URI not set, metric archiving disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("MongoDB ping failed: %w", err)
	}

	log.Println("Metric archive connected to MongoDB")
	return &Archive{
		client: client,
		coll:   client.Database(ArchiveDBName).Collection(ArchiveCollection),
	}, nil
}

// Store writes a batch of samples to the archive collection
func (a *Archive) Store(samples []models.MetricSample) {
	if a == nil || len(samples) == 0 {
		return
	}

	docs := make([]interface{}, len(samples))
	for i, s := range samples {
		docs[i] = s
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if _, err := a.coll.InsertMany(ctx, docs); err != nil {
		log.Printf("Error archiving %d metric samples: %v", len(samples), err)
	}
}

// Close disconnects from MongoDB
func (a *Archive) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		log.Printf("Error closing metric archive: %v", err)
	}
}
