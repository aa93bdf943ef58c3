package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"k8s.io/apimachinery/pkg/util/duration"
	yaml "sigs.k8s.io/yaml"

	"github.com/sttts/kcsync/pkg/resources"
)

type outputFormat string

const (
	outputTable outputFormat = ""
	outputWide  outputFormat = "wide"
	outputName  outputFormat = "name"
	outputYAML  outputFormat = "yaml"
	outputJSON  outputFormat = "json"
)

func parseOutput(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case outputTable, outputWide, outputName, outputYAML, outputJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q, want one of wide, name, yaml, json", s)
}

// printObjects writes objs in the given format. now is used for the AGE column.
func printObjects(w io.Writer, format outputFormat, api resources.API, objs []*resources.KubeObject, now time.Time) error {
	switch format {
	case outputName:
		for _, o := range objs {
			fmt.Fprintf(w, "%s/%s\n", strings.ToLower(api.Resource), o.Name())
		}
		return nil
	case outputYAML:
		for i, o := range objs {
			if i > 0 {
				fmt.Fprintln(w, "---")
			}
			data, err := yaml.Marshal(o.Object())
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
		}
		return nil
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(objs) == 1 {
			return enc.Encode(objs[0].Object())
		}
		items := make([]map[string]any, 0, len(objs))
		for _, o := range objs {
			items = append(items, o.Object())
		}
		return enc.Encode(map[string]any{"apiVersion": "v1", "kind": "List", "items": items})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	var cols []string
	if api.Namespaced {
		cols = append(cols, "NAMESPACE")
	}
	cols = append(cols, "NAME", "AGE")
	if format == outputWide {
		cols = append(cols, "RESOURCEVERSION", "LINK")
	}
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, o := range objs {
		var row []string
		if api.Namespaced {
			row = append(row, o.Namespace())
		}
		row = append(row, o.Name(), age(o, now))
		if format == outputWide {
			row = append(row, o.ResourceVersion(), o.SelfLink())
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func age(o *resources.KubeObject, now time.Time) string {
	ts := o.Unstructured().GetCreationTimestamp()
	if ts.IsZero() {
		return "<unknown>"
	}
	return duration.HumanDuration(now.Sub(ts.Time))
}
