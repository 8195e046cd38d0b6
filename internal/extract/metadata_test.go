package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
<title> Jane Doe | Example </title>
<meta name="description" content="Engineering lead at Example Corp">
<meta property="og:title" content="Jane Doe">
<meta property="og:type" content="profile">
<link rel="canonical" href="https://example.com/in/jane">
<script type="application/ld+json">{"@type":"Person","name":"Jane Doe"}</script>
</head>
<body><h1>Jane Doe</h1></body>
</html>`

func TestMetadataExtract(t *testing.T) {
	t.Parallel()

	records, err := NewMetadata().Extract([]byte(samplePage))
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	require.Equal(t, "Jane Doe | Example", record["title"])
	require.Equal(t, "Engineering lead at Example Corp", record["description"])
	require.Equal(t, "Jane Doe", record["og_title"])
	require.Equal(t, "profile", record["og_type"])
	require.Equal(t, "https://example.com/in/jane", record["canonical_url"])
	require.Equal(t, []string{`{"@type":"Person","name":"Jane Doe"}`}, record["json_ld"])
	require.NotEmpty(t, record["payload_sha256"])
}

func TestMetadataExtractFailsOnEmptyDocument(t *testing.T) {
	t.Parallel()

	_, err := NewMetadata().Extract([]byte("<html><body>nothing here</body></html>"))
	require.Error(t, err, "a document with no metadata is layout drift")
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	f := Func(func([]byte) ([]scrape.Record, error) {
		return []scrape.Record{{"k": "v"}}, nil
	})
	records, err := f.Extract(nil)
	require.NoError(t, err)
	require.Equal(t, []scrape.Record{{"k": "v"}}, records)
}

func TestDefaultSetCoversAllKinds(t *testing.T) {
	t.Parallel()

	set := DefaultSet()
	for _, kind := range []scrape.TargetKind{scrape.TargetProfile, scrape.TargetCompany, scrape.TargetContent} {
		require.Contains(t, set, kind)
	}
}
