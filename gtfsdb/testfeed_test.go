package gtfsdb

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
)

var lausanneFeed = map[string]string{
	"agency.txt": `agency_id,agency_name,agency_url,agency_timezone
SBB,SBB,https://www.sbb.ch,Europe/Zurich
`,
	"routes.txt": `route_id,agency_id,route_short_name,route_long_name,route_desc,route_type
R1,SBB,S1,Lausanne - Renens,S,2
R2,SBB,IR90,Brig - Genève,IR,2
`,
	"stops.txt": `stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station,platform_code
Parent8501120,Lausanne,46.5168,6.6291,1,,
8501120:0:3,Lausanne,46.5168,6.6291,0,Parent8501120,3
8501120:0:4,Lausanne,46.5168,6.6291,0,Parent8501120,4
8504100,Renens VD,46.5376,6.5783,0,,
`,
	"calendar.txt": `service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date
WD,1,1,1,1,1,0,0,20250101,20251231
WE,0,0,0,0,0,1,1,20250101,20251231
`,
	"calendar_dates.txt": `service_id,date,exception_type
WD,20250211,2
`,
	"trips.txt": `route_id,service_id,trip_id,trip_headsign,trip_short_name,direction_id
R1,WD,T1,Genève-Aéroport,12345,0
R2,WD,T2,Brig,2590,1
R1,WE,T3,Genève-Aéroport,12399,0
R1,WD,T4,Lausanne,12400,1
`,
	"stop_times.txt": `trip_id,arrival_time,departure_time,stop_id,stop_sequence
T1,18:05:00,18:05:00,8501120:0:3,1
T1,18:12:00,18:12:00,8504100,2
T2,24:10:00,24:10:00,8501120:0:4,1
T2,24:20:00,24:20:00,8504100,2
T3,18:30:00,18:30:00,8501120:0:3,1
T3,18:37:00,18:37:00,8504100,2
T4,17:50:00,17:50:00,8504100,1
T4,18:00:00,18:00:00,8501120:0:3,2
`,
}

func buildFeedZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeFeed(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	require.NoError(t, os.WriteFile(path, buildFeedZip(t, files), 0o600))
	return path
}

func newImportedClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.ImportStatic(context.Background(), writeFeed(t, lausanneFeed)))
	return client
}
