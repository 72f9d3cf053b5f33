package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kfp-notebook-bridge/internal/client"
	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/internal/preview"
)

var errNoPipelines = errors.New("No functions decorated with @dsl.pipeline were found in this notebook.")

var (
	pipelineName   string
	compileOutput  string
	descriptorPath string
	submitParams   []string
	submitRunName  string
	submitExpID    string
	submitWatch    bool
	importName     string
	importDesc     string

	inspectCmd = &cobra.Command{
		Use:   "inspect <notebook.ipynb|file.py|->",
		Short: "List the pipelines defined in notebook source",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	previewCmd = &cobra.Command{
		Use:   "preview [notebook.ipynb|file.py|-]",
		Short: "Print a Mermaid diagram of a pipeline's task graph",
		Long: `Inspects the source through the bridge server and prints the selected
pipeline's task graph as a Mermaid flowchart. With --descriptor, renders a
saved pipeline descriptor JSON file without contacting the server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPreview,
	}

	compileCmd = &cobra.Command{
		Use:   "compile <notebook.ipynb|file.py|->",
		Short: "Compile a pipeline to a KFP package",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}

	submitCmd = &cobra.Command{
		Use:   "submit <notebook.ipynb|file.py|->",
		Short: "Compile a pipeline and start a run of it",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}

	importCmd = &cobra.Command{
		Use:   "import <pipeline.yaml>",
		Short: "Upload a compiled pipeline to KFP",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{previewCmd, compileCmd, submitCmd} {
		cmd.Flags().StringVarP(&pipelineName, "pipeline", "p", "", "Pipeline function name (default: first found)")
	}
	previewCmd.Flags().StringVar(&descriptorPath, "descriptor", "", "Render a pipeline descriptor JSON file")
	compileCmd.Flags().StringVarP(&compileOutput, "output", "o", "", "Write the compiled YAML to this file")

	submitCmd.Flags().StringArrayVar(&submitParams, "param", nil, "Run parameter as key=value (repeatable)")
	submitCmd.Flags().StringVar(&submitRunName, "run-name", "", "Run display name")
	submitCmd.Flags().StringVar(&submitExpID, "experiment", "", "Experiment ID (default: first experiment)")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "Follow the run until it finishes")

	importCmd.Flags().StringVar(&importName, "name", "", "Pipeline name (required)")
	importCmd.Flags().StringVar(&importDesc, "description", "", "Pipeline description")

	rootCmd.AddCommand(inspectCmd, previewCmd, compileCmd, submitCmd, importCmd)
}

func inspectSource(cmd *cobra.Command, path string) (string, []models.PipelineDescriptor, error) {
	source, err := loadSource(path, cmd.InOrStdin())
	if err != nil {
		return "", nil, err
	}
	pipelines, err := current.client.Inspect(cmd.Context(), source)
	if err != nil {
		return "", nil, err
	}
	if len(pipelines) == 0 {
		return "", nil, errNoPipelines
	}
	return source, pipelines, nil
}

func selectPipeline(pipelines []models.PipelineDescriptor, name string) (models.PipelineDescriptor, error) {
	if name == "" {
		return pipelines[0], nil
	}
	for _, p := range pipelines {
		if p.Name == name {
			return p, nil
		}
	}
	return models.PipelineDescriptor{}, fmt.Errorf("Pipeline '%s' not found.", name)
}

func runInspect(cmd *cobra.Command, args []string) error {
	_, pipelines, err := inspectSource(cmd, args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd, pipelines)
	}

	out := cmd.OutOrStdout()
	for _, p := range pipelines {
		fmt.Fprintln(out, p.Name)
		if p.Description != nil && *p.Description != "" {
			fmt.Fprintf(out, "  %s\n", *p.Description)
		}
		for _, arg := range p.Args {
			def := ""
			if arg.Default != nil {
				def = " = " + *arg.Default
			}
			fmt.Fprintf(out, "  - %s: %s%s\n", arg.Name, arg.Type, def)
		}
	}
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	var desc models.PipelineDescriptor
	switch {
	case descriptorPath != "":
		data, err := os.ReadFile(descriptorPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &desc); err != nil {
			return fmt.Errorf("decode descriptor %s: %w", descriptorPath, err)
		}
	case len(args) == 1:
		_, pipelines, err := inspectSource(cmd, args[0])
		if err != nil {
			return err
		}
		if desc, err = selectPipeline(pipelines, pipelineName); err != nil {
			return err
		}
	default:
		return errors.New("give a source file or --descriptor")
	}

	if _, err := preview.ExtractGraph(desc); err != nil {
		current.log.Sugar().Warnf("Pipeline graph unreadable, drawing a single node: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(preview.Mermaid(desc), "\n"))
	return nil
}

func runCompile(cmd *cobra.Command, args []string) error {
	source, err := loadSource(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	status := statusPrinter(cmd)
	status("Compiling pipeline...")
	compiled, err := current.client.Compile(cmd.Context(), source, pipelineName)
	if err != nil {
		return err
	}

	if compileOutput != "" {
		if err := os.WriteFile(compileOutput, []byte(compiled.YAML), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", compileOutput, err)
		}
		status(fmt.Sprintf("Compiled %s to %s", compiled.PipelineName, compileOutput))
		return nil
	}
	if flagJSON {
		return printJSON(cmd, compiled)
	}
	status(fmt.Sprintf("Compiled %s. Package: %s", compiled.PipelineName, compiled.PackagePath))
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	params, err := parseParams(submitParams)
	if err != nil {
		return err
	}

	source, pipelines, err := inspectSource(cmd, args[0])
	if err != nil {
		return err
	}
	selected, err := selectPipeline(pipelines, pipelineName)
	if err != nil {
		return err
	}

	experimentID := submitExpID
	if experimentID == "" {
		cfg := current.sync.GetConfig(ctx)
		if list, err := current.client.ListExperiments(ctx, cfg.Namespace); err != nil {
			current.log.Sugar().Debugf("List experiments failed: %v", err)
		} else if len(list.Experiments) > 0 {
			experimentID = list.Experiments[0].ExperimentID
		}
	}

	status := statusPrinter(cmd)
	result, err := current.client.SubmitNotebook(ctx, client.SubmitNotebookRequest{
		Source:       source,
		PipelineName: selected.Name,
		Params:       params,
		RunName:      submitRunName,
		ExperimentID: experimentID,
	}, status)
	if err != nil {
		return err
	}
	if result.URL != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Run details: %s\n", result.URL)
	}

	if submitWatch {
		return watchRun(cmd, result.RunID)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(importName)
	if name == "" {
		return errors.New("Pipeline name is required.")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	yaml := strings.TrimSpace(string(data))
	if yaml == "" {
		return errors.New("Pipeline YAML is required.")
	}

	req := models.ImportRequest{PipelineName: name, PipelineYAML: yaml}
	if desc := strings.TrimSpace(importDesc); desc != "" {
		req.Description = &desc
	}

	status := statusPrinter(cmd)
	status("Importing pipeline...")
	res, err := current.client.ImportPipeline(cmd.Context(), req)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd, res)
	}
	status(fmt.Sprintf("Pipeline imported: %s (%s)", name, res.PipelineID))
	if res.URL != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline details: %s\n", res.URL)
	}
	return nil
}
