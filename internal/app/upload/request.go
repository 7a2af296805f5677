package upload

import (
	"strings"

	"github.com/go-playground/validator/v10"
	regexp "github.com/wasilibs/go-re2"
)

var sha256Hex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// InitRequest opens an upload session.
type InitRequest struct {
	// FileHash is the hex SHA-256 of the complete artifact.
	FileHash    string `json:"file_hash" validate:"required,sha256hex"`
	FileName    string `json:"file_name" validate:"required,basename"`
	TotalChunks int    `json:"total_chunks" validate:"min=1"`
	ChunkSize   int64  `json:"chunk_size" validate:"min=1024"`
}

// Chunk is one uploaded piece named "<index>.part". Data must not be
// modified after it is handed to UploadChunks.
type Chunk struct {
	Name string
	Data []byte
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("basename", func(fl validator.FieldLevel) bool {
		name := strings.TrimSpace(fl.Field().String())
		if name == "" || name == "." || name == ".." {
			return false
		}
		return !strings.ContainsAny(name, `/\`)
	})
	_ = v.RegisterValidation("sha256hex", func(fl validator.FieldLevel) bool {
		return sha256Hex.MatchString(fl.Field().String())
	})
	return v
}
