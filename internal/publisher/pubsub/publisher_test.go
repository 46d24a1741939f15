package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

func TestPublishSendsPayloadToTopic(t *testing.T) {
	t.Parallel()

	srv := pstest.NewServer()
	defer srv.Close()

	ctx := context.Background()
	opts := []option.ClientOption{
		option.WithEndpoint(srv.Addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}
	admin, err := pubsub.NewClient(ctx, "proj", opts...)
	require.NoError(t, err)
	defer admin.Close()
	_, err = admin.CreateTopic(ctx, "articles")
	require.NoError(t, err)

	pub, err := Dial(ctx, "proj", "articles", nil, opts...)
	require.NoError(t, err)
	defer pub.Close()

	records := []article.Enriched{{
		Record:       article.Record{Title: "T", ViewerLink: "https://news.google.com/x", GUID: "g1"},
		PublisherURL: "https://siteA.com/art1",
	}}
	require.NoError(t, pub.Publish(ctx, records))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	var payload map[string][]map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	require.Equal(t, "https://siteA.com/art1", payload["processed_articles"][0]["publisher_url"])
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil).Publish(context.Background(), nil))
	require.NoError(t, New(nil, nil).Close())
}

func TestDialRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "proj", "", nil)
	require.Error(t, err)
}

func TestAttributeCarrier(t *testing.T) {
	t.Parallel()

	var _ propagation.TextMapCarrier = (*attributeCarrier)(nil)

	c := &attributeCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
