package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureConfig configures the Azure Blob Storage backend.
type AzureConfig struct {
	Account   string
	Key       string
	Container string
	// ServiceURL overrides https://<account>.blob.core.windows.net/, e.g. for Azurite.
	ServiceURL string
}

// Azure stores artifacts in a blob container.
type Azure struct {
	client    *azblob.Client
	container string
	now       func() time.Time
}

// NewAzure builds the blob storage backend using shared key credentials.
func NewAzure(cfg AzureConfig, now func() time.Time) (*Azure, error) {
	if cfg.Account == "" || cfg.Key == "" {
		return nil, errors.New("azure storage account and key are required")
	}
	if cfg.Container == "" {
		return nil, errors.New("azure container is required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &Azure{client: client, container: cfg.Container, now: nowFunc(now)}, nil
}

func (a *Azure) Name() string { return "azure" }

func (a *Azure) blobURL(key string) string {
	return a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key).URL()
}

// Blob metadata names must be valid identifiers, so dashes become underscores.
func azureMetadata(meta map[string]string) map[string]*string {
	out := make(map[string]*string, len(meta))
	for k, v := range meta {
		out[strings.ReplaceAll(k, "-", "_")] = &v
	}
	return out
}

func (a *Azure) Upload(ctx context.Context, localPath, key string) (*Artifact, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	now := a.now()
	contentType := ContentType(key)
	_, err = a.client.UploadFile(ctx, a.container, key, file, &azblob.UploadFileOptions{
		Metadata:    azureMetadata(Provenance(now)),
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Key:          key,
		Provider:     a.Name(),
		Bucket:       a.container,
		Size:         info.Size(),
		LastModified: now.UTC(),
		URL:          a.blobURL(key),
	}, nil
}

func (a *Azure) Download(ctx context.Context, key, localPath string) error {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return writeLocal(localPath, resp.Body)
}

func (a *Azure) List(ctx context.Context, prefix string) ([]Artifact, error) {
	var artifacts []Artifact
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			artifact := Artifact{
				Key:      *item.Name,
				Provider: a.Name(),
				Bucket:   a.container,
				URL:      a.blobURL(*item.Name),
			}
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					artifact.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					artifact.LastModified = *props.LastModified
				}
			}
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts, nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	return err
}

func (a *Azure) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key)
	return blobClient.GetSASURL(sas.BlobPermissions{Read: true}, a.now().Add(ttlOrDefault(ttl)), nil)
}
