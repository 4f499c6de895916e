package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/geoscrape/internal/geo"
)

type geoOptions struct {
	lat    float64
	lon    float64
	radius float64
	points int
}

// newGeoCmd previews the spiral a geo job would walk. It needs no services.
func newGeoCmd() *cobra.Command {
	opts := &geoOptions{}
	cmd := &cobra.Command{
		Use:         "geo",
		Short:       "Print the spiral search path around a center",
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := geo.NewSpiralPath(geo.Coordinate{Latitude: opts.lat, Longitude: opts.lon}, opts.radius)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# decay=%.6f\n", path.A())
			for i, c := range path.Points(opts.points) {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%.6f\t%.6f\n", i, c.Latitude, c.Longitude)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&opts.lat, "lat", 0, "center latitude")
	cmd.Flags().Float64Var(&opts.lon, "lon", 0, "center longitude")
	cmd.Flags().Float64Var(&opts.radius, "radius", 10, "maximum spiral radius (> 1)")
	cmd.Flags().IntVar(&opts.points, "points", 24, "number of points to print")
	return cmd
}
