// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runners

import (
	"log/slog"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// RegisterWorkerRunners binds each configured worker endpoint to its job
// type. Types without an endpoint are simply not registered; dispatching
// such a job fails with the engine's no-runner error, which is the wanted
// behavior for a deployment that only runs a subset of job types.
func RegisterWorkerRunners(reg *Registry, endpoints map[dag.JobType]string, token *TokenProvider, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for jobType, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		runner, err := NewHTTPRunner(endpoint, token, logger)
		if err != nil {
			return err
		}
		if err := reg.Register(jobType, runner); err != nil {
			return err
		}
		logger.Info("registered worker runner",
			slog.String("job_type", string(jobType)),
			slog.String("endpoint", endpoint),
		)
	}
	return nil
}
