package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// Config holds Azure Storage credentials and mesh settings.
type Config struct {
	StorageAccountName string `json:"storage_account_name"`       // account ID
	StorageAccountKey  string `json:"storage_account_key"`        // access key
	StorageURL         string `json:"storage_url,omitempty"`      // custom endpoint (for development purposes)
	ContainerPrefix    string `json:"container_prefix,omitempty"` // mesh container prefix
}

// LoadConfig reads and parses the config file.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "./config.json"
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %v", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", absPath, err)
	}

	config := new(Config)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", absPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required config fields.
func (config *Config) Validate() error {
	if config.StorageAccountName == "" {
		return fmt.Errorf("storage_account_name is required")
	}
	if config.StorageAccountKey == "" {
		return fmt.Errorf("storage_account_key is required")
	}
	return nil
}

// NewServiceURL builds the storage endpoint the mesh lives under.
func NewServiceURL(config *Config) (azblob.ServiceURL, error) {
	credential, err := azblob.NewSharedKeyCredential(
		config.StorageAccountName,
		config.StorageAccountKey,
	)
	if err != nil {
		return azblob.ServiceURL{}, fmt.Errorf("failed to create storage credentials: %v", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	var serviceURL *url.URL
	if config.StorageURL != "" {
		// Custom storage URL from the config (for Azurite support)
		serviceURL, err = url.Parse(config.StorageURL)
		if err != nil {
			return azblob.ServiceURL{}, fmt.Errorf("failed to parse storage URL: %v", err)
		}
		serviceURL = serviceURL.JoinPath(config.StorageAccountName)
	} else {
		serviceURL, err = url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/", config.StorageAccountName))
		if err != nil {
			return azblob.ServiceURL{}, fmt.Errorf("failed to parse service URL: %v", err)
		}
	}

	return azblob.NewServiceURL(*serviceURL, pipeline), nil
}
