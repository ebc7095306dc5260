package pinpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyAPI struct {
	status types.DeliveryStatus
	err    error

	sent *pinpoint.SendMessagesInput
}

func (d *dummyAPI) SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, opts ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.sent = in

	res := map[string]types.MessageResult{}
	for addr := range in.MessageRequest.Addresses {
		res[addr] = types.MessageResult{
			DeliveryStatus: d.status,
			MessageId:      aws.String("msg-1"),
			StatusMessage:  aws.String(string(d.status)),
		}
	}
	return &pinpoint.SendMessagesOutput{
		MessageResponse: &types.MessageResponse{Result: res},
	}, nil
}

func (d *dummyAPI) PhoneNumberValidate(ctx context.Context, in *pinpoint.PhoneNumberValidateInput, opts ...func(*pinpoint.Options)) (*pinpoint.PhoneNumberValidateOutput, error) {
	if d.err != nil {
		return nil, d.err
	}

	n := aws.ToString(in.NumberValidateRequest.PhoneNumber)
	typ := "MOBILE"
	if n == "+10000000000" {
		typ = phoneTypeInvalid
	}
	return &pinpoint.PhoneNumberValidateOutput{
		NumberValidateResponse: &types.NumberValidateResponse{
			PhoneType:               aws.String(typ),
			CleansedPhoneNumberE164: aws.String(n),
		},
	}, nil
}

func (d *dummyAPI) GetApp(ctx context.Context, in *pinpoint.GetAppInput, opts ...func(*pinpoint.Options)) (*pinpoint.GetAppOutput, error) {
	return &pinpoint.GetAppOutput{}, d.err
}

var (
	ctx = context.Background()
	cfg = Config{ApplicationID: "app", Region: "us-east-1", DefaultPhoneCode: "+91"}
)

func TestConfig(t *testing.T) {
	_, err := NewWithClient(Config{Region: "x"}, &dummyAPI{})
	assert.Error(t, err, "missing application_id should fail")

	_, err = NewWithClient(Config{ApplicationID: "x", Region: "x", SMSMessageType: "SPAM"}, &dummyAPI{})
	assert.Error(t, err, "bad message type should fail")

	_, err = New(Config{ApplicationID: "x", Region: "x"})
	assert.Error(t, err, "missing keys should fail")
}

func TestSend(t *testing.T) {
	api := &dummyAPI{status: types.DeliveryStatusSuccessful}
	p, err := NewWithClient(cfg, api)
	require.NoError(t, err)

	ack, err := p.Send(ctx, "9876543210", "Your code is 123456")
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.True(t, ack.Confirmed)
	assert.Equal(t, "msg-1", ack.MessageID)

	_, ok := api.sent.MessageRequest.Addresses["+919876543210"]
	assert.True(t, ok, "number should get the default phone code")

	api.status = types.DeliveryStatusThrottled
	ack, err = p.Send(ctx, "+14155551234", "x")
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.False(t, ack.Confirmed)

	api.status = types.DeliveryStatusPermanentFailure
	ack, err = p.Send(ctx, "+14155551234", "x")
	require.NoError(t, err)
	assert.False(t, ack.Accepted)

	api.err = errors.New("network down")
	_, err = p.Send(ctx, "+14155551234", "x")
	assert.Error(t, err)
}

func TestCheckNumber(t *testing.T) {
	api := &dummyAPI{}
	p, err := NewWithClient(cfg, api)
	require.NoError(t, err)

	chk, err := p.CheckNumber(ctx, "0014155551234")
	require.NoError(t, err)
	assert.True(t, chk.Exists)
	assert.Equal(t, "+14155551234", chk.Formatted)

	chk, err = p.CheckNumber(ctx, "+10000000000")
	require.NoError(t, err)
	assert.False(t, chk.Exists)

	api.err = errors.New("throttled")
	_, err = p.CheckNumber(ctx, "+14155551234")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	api := &dummyAPI{}
	p, err := NewWithClient(cfg, api)
	require.NoError(t, err)
	assert.NoError(t, p.Ping(ctx))

	api.err = errors.New("access denied")
	assert.Error(t, p.Ping(ctx))
}
