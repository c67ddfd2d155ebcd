// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/streamq/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportCredentials(t *testing.T) {
	creds, err := transportCredentials(config.TelemetryConfig{Insecure: true})
	require.NoError(t, err)
	assert.Nil(t, creds)

	creds, err = transportCredentials(config.TelemetryConfig{})
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	_, err = transportCredentials(config.TelemetryConfig{CACertFile: filepath.Join(t.TempDir(), "missing.pem")})
	require.Error(t, err)
}

func TestExporterOptions(t *testing.T) {
	plain, err := newExporter(config.TelemetryConfig{Endpoint: "collector:4317", Insecure: true})
	require.NoError(t, err)
	assert.Equal(t, defaultExportTimeout, plain.cfg.ExportTimeout)
	assert.Equal(t, defaultExportInterval, plain.cfg.ExportInterval)
	assert.Len(t, plain.traceOptions(), 3)
	assert.Len(t, plain.metricOptions(), 3)

	secure, err := newExporter(config.TelemetryConfig{
		Endpoint:       "collector:4317",
		Headers:        map[string]string{"authorization": "Bearer token"},
		ExportTimeout:  5 * time.Second,
		ExportInterval: time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, secure.creds)
	assert.Equal(t, 5*time.Second, secure.cfg.ExportTimeout)
	assert.Len(t, secure.traceOptions(), 4)
	assert.Len(t, secure.metricOptions(), 4)
}

func TestInitProviderRejectsMissingCA(t *testing.T) {
	_, err := InitProvider(context.Background(), config.TelemetryConfig{
		ServiceName:   "streamq",
		Endpoint:      "localhost:4317",
		TracesEnabled: true,
		CACertFile:    filepath.Join(t.TempDir(), "missing.pem"),
	}, "test")
	require.Error(t, err)
}
