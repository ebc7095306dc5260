package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/knadh/phoneverify/pkg/models"
)

const (
	providerID  = "pinpoint"
	channelName = "SMS"
	maxBodyLen  = 1600

	// Phone type reported by the number validator for numbers that can't
	// receive messages.
	phoneTypeInvalid = "INVALID"
)

// API is the subset of the Pinpoint client that's used.
type API interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, opts ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
	PhoneNumberValidate(ctx context.Context, in *pinpoint.PhoneNumberValidateInput, opts ...func(*pinpoint.Options)) (*pinpoint.PhoneNumberValidateOutput, error)
	GetApp(ctx context.Context, in *pinpoint.GetAppInput, opts ...func(*pinpoint.Options)) (*pinpoint.GetAppOutput, error)
}

// Pinpoint implements the AWS Pinpoint SMS provider.
type Pinpoint struct {
	cfg Config
	p   API
}

// Config contains the Pinpoint application and SMS options.
type Config struct {
	ApplicationID    string        `json:"application_id"`
	AccessKey        string        `json:"access_key"`
	SecretKey        string        `json:"secret_key"`
	Region           string        `json:"region"`
	SMSSenderID      string        `json:"sms_sender_id"`
	SMSMessageType   string        `json:"sms_message_type"`
	SMSEntityID      string        `json:"sms_entity_id"`
	SMSTemplateID    string        `json:"sms_template_id"`
	DefaultPhoneCode string        `json:"default_phone_code"`
	Timeout          time.Duration `json:"timeout"`
}

// New returns a Pinpoint provider with static credentials.
func New(cfg Config) (*Pinpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("invalid access_key")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("invalid secret_key")
	}

	cfgAws, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &Pinpoint{cfg: cfg, p: pinpoint.NewFromConfig(cfgAws)}, nil
}

// NewWithClient returns a Pinpoint provider over an existing client.
func NewWithClient(cfg Config, c API) (*Pinpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pinpoint{cfg: cfg, p: c}, nil
}

func (c *Config) validate() error {
	if c.ApplicationID == "" {
		return errors.New("invalid application_id")
	}
	if c.Region == "" {
		return errors.New("invalid region")
	}
	if c.Timeout.Seconds() < 1 {
		c.Timeout = time.Second * 3
	}

	if c.SMSMessageType == "" {
		c.SMSMessageType = string(types.MessageTypeTransactional)
	}
	if c.SMSMessageType != string(types.MessageTypeTransactional) && c.SMSMessageType != string(types.MessageTypePromotional) {
		return errors.New("invalid sms_message_type: must be TRANSACTIONAL or PROMOTIONAL")
	}
	return nil
}

// ID returns the Provider's ID.
func (p *Pinpoint) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (p *Pinpoint) ChannelName() string {
	return channelName
}

// MaxBodyLen returns the max permitted body size.
func (p *Pinpoint) MaxBodyLen() int {
	return maxBodyLen
}

// Send sends an SMS. Pinpoint accepts the request for the whole batch and
// reports per address delivery status in the result map.
func (p *Pinpoint) Send(ctx context.Context, to, body string) (models.Ack, error) {
	var (
		addr = p.sanitizePhone(to)
		sms  = &types.SMSMessage{
			Body:        aws.String(body),
			MessageType: types.MessageType(p.cfg.SMSMessageType),
		}
	)
	if p.cfg.SMSSenderID != "" {
		sms.SenderId = aws.String(p.cfg.SMSSenderID)
	}
	if p.cfg.SMSEntityID != "" {
		sms.EntityId = aws.String(p.cfg.SMSEntityID)
	}
	if p.cfg.SMSTemplateID != "" {
		sms.TemplateId = aws.String(p.cfg.SMSTemplateID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := p.p.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				addr: {ChannelType: types.ChannelTypeSms},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				SMSMessage: sms,
			},
		},
	})
	if err != nil {
		return models.Ack{}, err
	}

	ack := models.Ack{Accepted: true}
	if out.MessageResponse == nil {
		return ack, nil
	}

	res, ok := out.MessageResponse.Result[addr]
	if !ok {
		return ack, nil
	}
	ack.MessageID = aws.ToString(res.MessageId)
	ack.Message = aws.ToString(res.StatusMessage)

	switch res.DeliveryStatus {
	case types.DeliveryStatusSuccessful:
		ack.Confirmed = true
	case types.DeliveryStatusPermanentFailure, types.DeliveryStatusOptOut, types.DeliveryStatusDuplicate:
		ack.Accepted = false
	}
	return ack, nil
}

// CheckNumber runs the number through Pinpoint's phone number validator.
func (p *Pinpoint) CheckNumber(ctx context.Context, to string) (models.NumberCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := p.p.PhoneNumberValidate(ctx, &pinpoint.PhoneNumberValidateInput{
		NumberValidateRequest: &types.NumberValidateRequest{
			PhoneNumber: aws.String(p.sanitizePhone(to)),
		},
	})
	if err != nil {
		return models.NumberCheck{}, err
	}
	if out.NumberValidateResponse == nil {
		return models.NumberCheck{}, errors.New("empty number validation response")
	}

	r := out.NumberValidateResponse
	if strings.EqualFold(aws.ToString(r.PhoneType), phoneTypeInvalid) {
		return models.NumberCheck{Exists: false}, nil
	}
	return models.NumberCheck{
		Exists:    true,
		Formatted: aws.ToString(r.CleansedPhoneNumberE164),
	}, nil
}

// Ping fetches the Pinpoint application, which checks the credentials
// and the application without sending anything.
func (p *Pinpoint) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if _, err := p.p.GetApp(ctx, &pinpoint.GetAppInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
	}); err != nil {
		return fmt.Errorf("error fetching pinpoint app: %w", err)
	}
	return nil
}

func (p *Pinpoint) sanitizePhone(phone string) string {
	phone = strings.TrimSpace(phone)

	if strings.HasPrefix(phone, "+") {
		return phone
	} else if strings.HasPrefix(phone, "00") {
		return "+" + phone[2:]
	}

	return p.cfg.DefaultPhoneCode + phone
}
