// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/pkg/ux"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/datatypes"
)

func runTemplatesList(cmd *cobra.Command, args []string) {
	client := newClient()
	resp, err := client.ListTemplates(cmd.Context())
	if err != nil {
		ux.Error(fmt.Sprintf("Template listing failed: %v", err))
		os.Exit(1)
	}

	if len(resp.Templates) == 0 {
		ux.Info("No templates stored")
		return
	}
	for _, t := range resp.Templates {
		desc := t.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Printf("%-32s  %3d job(s)  %s  %s\n",
			t.Name, t.JobCount, t.UpdatedAt.Local().Format("2006-01-02 15:04"), desc)
	}
	ux.Muted(fmt.Sprintf("%d template(s)", resp.Count))
}

func runTemplatesPush(cmd *cobra.Command, args []string) {
	pf, err := loadPipelineFile(args[0])
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	client := newClient()
	err = client.PushTemplate(cmd.Context(), datatypes.PushTemplateRequest{
		Name:        pf.Name,
		Description: pf.Description,
		Jobs:        pf.Jobs,
		Edges:       pf.Edges,
	})
	if err != nil {
		ux.Error(fmt.Sprintf("Template push failed: %v", err))
		os.Exit(1)
	}
	ux.Success(fmt.Sprintf("Stored template %s (%d jobs)", pf.Name, len(pf.Jobs)))
}

func runTemplatesDelete(cmd *cobra.Command, args []string) {
	client := newClient()
	if err := client.DeleteTemplate(cmd.Context(), args[0]); err != nil {
		ux.Error(fmt.Sprintf("Template delete failed: %v", err))
		os.Exit(1)
	}
	ux.Success(fmt.Sprintf("Deleted template %s", args[0]))
}
