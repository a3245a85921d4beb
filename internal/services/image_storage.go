package services

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ImageStorageService stores uploaded card scans on disk so the matcher can
// re-read them during visual rescoring.
type ImageStorageService struct {
	storageDir string
}

// NewImageStorageService creates a new image storage service
func NewImageStorageService() *ImageStorageService {
	storageDir := os.Getenv("SCANNED_IMAGES_DIR")
	if storageDir == "" {
		storageDir = "./data/scanned_images"
	}

	// Ensure the storage directory exists
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		// Log error but don't fail - will fail on actual writes
		fmt.Printf("Warning: could not create scanned images directory: %v\n", err)
	}

	return &ImageStorageService{
		storageDir: storageDir,
	}
}

// SaveImage saves image data to disk and returns the full path of the stored
// file. The extension follows the sniffed content type.
func (s *ImageStorageService) SaveImage(imageData []byte) (string, error) {
	if len(imageData) == 0 {
		return "", fmt.Errorf("empty image data")
	}

	ext := ".jpg"
	switch http.DetectContentType(imageData) {
	case "image/png":
		ext = ".png"
	case "image/webp":
		ext = ".webp"
	}

	// Generate a unique filename
	filename := uuid.New().String() + ext
	filePath := filepath.Join(s.storageDir, filename)

	// Write the file
	if err := os.WriteFile(filePath, imageData, 0644); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}

	return filePath, nil
}

// GetStorageDir returns the storage directory path
func (s *ImageStorageService) GetStorageDir() string {
	return s.storageDir
}
