package runner

import (
	"github.com/evergreen-ci/postbatch"
	"github.com/evergreen-ci/postbatch/cloud"
	"github.com/evergreen-ci/postbatch/monitor"
	"github.com/evergreen-ci/postbatch/storage"
	"github.com/pkg/errors"
)

// NewFromSettings wires a Runner to the batch and storage accounts named in
// the settings. The returned function releases the batch client and must be
// called once the run is over.
func NewFromSettings(settings postbatch.Settings) (*Runner, func(), error) {
	stager, err := storage.NewAzureStager(settings.Storage, settings.Wait)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating storage stager")
	}

	client, err := cloud.NewBatchClient(cloud.BatchClientOptions{
		ServiceURL:  settings.Batch.ServiceURL,
		AccountName: settings.Batch.AccountName,
		AccountKey:  settings.Batch.AccountKey,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating batch client")
	}

	r, err := New(Options{
		Settings: settings,
		Stager:   stager,
		Pools:    cloud.NewPoolManager(client),
		Jobs:     cloud.NewJobManager(client),
		Monitor:  monitor.NewTaskMonitor(client, monitor.MonitorOptions{}),
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return r, client.Close, nil
}
