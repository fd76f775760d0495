package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"proxy-allocator/pkg/models"
)

var (
	atLimit = color.New(color.FgRed).SprintFunc()
	heading = color.New(color.Bold).SprintFunc()
)

func printStats(w io.Writer, stats models.Stats, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(stats); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintf(w, "%s strategy=%s cap=%d allocations=%d cycles=%d\n\n",
		heading("Summary"), stats.Strategy, stats.MaxProfilesPerIP, stats.TotalAllocations, stats.Cycles)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(stats.Regions) > 0 {
		fmt.Fprintln(tw, heading("REGION")+"\tMEMBERS\tTARGET\tACTUAL\tALLOCATIONS\tCYCLES")
		for _, r := range stats.Regions {
			fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.1f%%\t%d\t%d\n",
				r.Name, r.Members, r.TargetPercent, r.ActualPercent, r.Allocations, r.CycleCount)
		}
		fmt.Fprintln(tw)
	}

	fmt.Fprintln(tw, heading("PROXY")+"\tUSAGE\tFAILURES\tLAST IP")
	for _, p := range stats.Proxies {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", p.Label, p.Usage, p.Failures, p.LastIP)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, heading("IP")+"\tUSAGE\tCONSUMERS")
	for _, ip := range stats.IPs {
		usage := fmt.Sprint(ip.Usage)
		if ip.AtLimit {
			usage = atLimit(usage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\n", ip.IP, usage, ip.Consumers)
	}
	return tw.Flush()
}
