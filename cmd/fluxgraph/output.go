package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/petrijr/fluxgraph/pkg/api"
)

func newTraceID() string {
	return uuid.NewString()
}

func printJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printTrace(ctx context.Context, w io.Writer, eng api.Engine, traceID string) error {
	lineage, err := eng.FindByTrace(ctx, traceID)
	if err != nil {
		return err
	}
	if output == "json" {
		return printJSON(w, lineage)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TRACE %s\n", traceID)
	fmt.Fprintln(tw, "ID\tPARENT\tPOSITION\tSTATUS\tERROR\tDATA")
	for _, fc := range lineage {
		data, _ := sonic.ConfigStd.Marshal(fc.BusinessData)
		errText := ""
		if fc.ErrorInfo != nil {
			errText = fmt.Sprintf("%d %s", fc.ErrorInfo.ErrorCode, fc.ErrorInfo.ErrorMessage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", fc.ID, fc.ParentID, fc.Position, fc.Status, errText, data)
	}
	return tw.Flush()
}

type definitionSummary struct {
	StreamID string         `json:"streamId"`
	MetaID   string         `json:"metaId"`
	Version  string         `json:"version"`
	Nodes    map[string]int `json:"nodes"`
	Edges    int            `json:"edges"`
}

func summarize(def *api.FlowDefinition) definitionSummary {
	s := definitionSummary{StreamID: def.StreamID(), MetaID: def.MetaID, Version: def.Version, Nodes: map[string]int{}}
	for _, n := range def.Nodes {
		s.Nodes[string(n.Kind)]++
		s.Edges += len(n.Events)
	}
	return s
}

func printDefinitions(w io.Writer, defs []*api.FlowDefinition) error {
	sums := make([]definitionSummary, 0, len(defs))
	for _, def := range defs {
		sums = append(sums, summarize(def))
	}
	sort.Slice(sums, func(i, j int) bool { return sums[i].StreamID < sums[j].StreamID })

	if output == "json" {
		return printJSON(w, sums)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tMETA\tVERSION\tNODES\tEDGES\tSTATUS")
	for _, s := range sums {
		total := 0
		for _, n := range s.Nodes {
			total += n
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\tok\n", s.StreamID, s.MetaID, s.Version, total, s.Edges)
	}
	return tw.Flush()
}
