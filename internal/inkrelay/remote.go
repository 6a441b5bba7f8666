package inkrelay

import (
	"context"
	"fmt"
)

// RemoteDocument is a handle to a document living in the remote
// repository. IDs are assigned by the remote side at upload time.
type RemoteDocument struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// RemoteClient is the narrow contract the core consumes from the
// remote document repository. Listing a folder that does not exist
// yields an empty slice, not an error.
type RemoteClient interface {
	EnsureFolder(ctx context.Context, folderName string) error
	ListDocuments(ctx context.Context, folderName string) ([]RemoteDocument, error)
	UploadDocument(ctx context.Context, folderName, displayName string, payload []byte) (RemoteDocument, error)
	DeleteDocument(ctx context.Context, doc RemoteDocument) error
}

// RemoteOperationError reports a rejected or failed remote call.
type RemoteOperationError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteOperationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s failed: status=%d code=%s message=%s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s failed: status=%d message=%s", e.Op, e.StatusCode, e.Message)
}
