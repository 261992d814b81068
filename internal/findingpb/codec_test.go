package findingpb

import "testing"

func TestJSONCodec_RoundTrips(t *testing.T) {
	c := jsonCodec{}
	in := &Finding{ScannerID: "s1", DetectorTag: "taint-graph", CodeAddress: 0x3000, MetricValue: 15}

	raw, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Finding
	if err := c.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != *in {
		t.Errorf("round-tripped = %+v, want %+v", out, *in)
	}
}

func TestJSONCodec_Name(t *testing.T) {
	if (jsonCodec{}).Name() != "json" {
		t.Errorf("Name() = %q, want json", jsonCodec{}.Name())
	}
}
