package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/sirupsen/logrus"
)

// BlobArchiver exports observation history as JSON snapshots to Azure Blob
// Storage, so a host can keep the hot store small while retaining the full
// ledger off-process.
type BlobArchiver struct {
	client        *azblob.Client
	containerName string
	history       HistoryStore
	targets       TargetRegistry
}

// NewBlobArchiver creates an archiver using managed identity credentials.
func NewBlobArchiver(accountName, containerName string, history HistoryStore, targets TargetRegistry) (*BlobArchiver, error) {
	if accountName == "" {
		return nil, fmt.Errorf("storage account name is required")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}

	a := &BlobArchiver{
		client:        client,
		containerName: containerName,
		history:       history,
		targets:       targets,
	}

	if err := a.ensureContainer(); err != nil {
		return nil, fmt.Errorf("failed to ensure container exists: %w", err)
	}
	return a, nil
}

func (a *BlobArchiver) ensureContainer() error {
	_, err := a.client.CreateContainer(context.Background(), a.containerName, nil)
	if err != nil {
		if !strings.Contains(err.Error(), "ContainerAlreadyExists") {
			return err
		}
		logrus.Debugf("Container %s already exists", a.containerName)
	}
	return nil
}

// ArchiveSince uploads one blob per target covering observations at or after
// since. Targets without new observations are skipped.
func (a *BlobArchiver) ArchiveSince(ctx context.Context, since time.Time) error {
	targets, err := a.targets.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets for archiving: %w", err)
	}

	archived := 0
	for _, t := range targets {
		observations, err := a.history.History(ctx, t.ID, since)
		if err != nil {
			logrus.Errorf("Failed to read history for target %s: %v", t.ID, err)
			continue
		}
		if len(observations) == 0 {
			continue
		}

		data, err := json.Marshal(observations)
		if err != nil {
			logrus.Errorf("Failed to marshal history for target %s: %v", t.ID, err)
			continue
		}

		name := fmt.Sprintf("observations/%s/%s.json", t.ID, time.Now().UTC().Format("2006-01-02-15-04-05"))
		_, err = a.client.UploadBuffer(ctx, a.containerName, name, data, &azblob.UploadBufferOptions{
			BlockSize:   int64(1024 * 1024),
			Concurrency: 3,
		})
		if err != nil {
			logrus.Errorf("Failed to upload archive %s: %v", name, err)
			continue
		}
		archived++
	}

	logrus.Infof("Archived observation history for %d targets", archived)
	return nil
}
