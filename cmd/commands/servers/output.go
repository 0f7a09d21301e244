package servers

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
)

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printServers(w io.Writer, servers []domain.Server) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOST NAME\tSTATUS\tADDRESS\tUPDATED\tLAST ERROR")
	fmt.Fprintln(tw, "--\t---------\t------\t-------\t-------\t----------")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.HostName,
			s.Status,
			dash(s.Address),
			s.UpdatedAt.Local().Format(time.DateTime),
			dash(s.LastError),
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
