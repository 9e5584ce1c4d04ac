package policy

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	validator, err := NewValidator(context.Background())
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	return validator
}

func TestValidator_Validate(t *testing.T) {
	validator := newTestValidator(t)

	tests := []struct {
		name             string
		template         string
		expectAllow      bool
		expectViolations []string
	}{
		{
			name: "Helper instance with role and private networking",
			template: `{
				"Resources": {
					"HelperRole": {
						"Type": "AWS::IAM::Role",
						"Properties": {"AssumeRolePolicyDocument": {}}
					},
					"HelperInstance": {
						"Type": "AWS::EC2::Instance",
						"Properties": {
							"NetworkInterfaces": [
								{"DeviceIndex": "0", "AssociatePublicIpAddress": false}
							]
						}
					},
					"HelperReady": {
						"Type": "AWS::CloudFormation::WaitCondition",
						"Properties": {"Timeout": "600"}
					}
				}
			}`,
			expectAllow: true,
		},
		{
			name: "Security group open to a private range",
			template: `{
				"Resources": {
					"HelperSecurityGroup": {
						"Type": "AWS::EC2::SecurityGroup",
						"Properties": {
							"SecurityGroupIngress": [{"IpProtocol": "tcp", "CidrIp": "192.168.0.0/16"}]
						}
					}
				}
			}`,
			expectAllow: true,
		},
		{
			name: "Encrypted flag given as string",
			template: `{
				"Resources": {
					"ScratchVolume": {
						"Type": "AWS::EC2::Volume",
						"Properties": {"Encrypted": "true"}
					}
				}
			}`,
			expectAllow: true,
		},
		{
			name: "Public IP given as string",
			template: `{
				"Resources": {
					"HelperInstance": {
						"Type": "AWS::EC2::Instance",
						"Properties": {
							"NetworkInterfaces": [{"AssociatePublicIpAddress": "true"}]
						}
					}
				}
			}`,
			expectAllow:      false,
			expectViolations: []string{"Instance 'HelperInstance' must not associate a public IP address"},
		},
		{
			name: "Volume without Encrypted property",
			template: `{
				"Resources": {
					"V": {
						"Type": "AWS::EC2::Volume",
						"Properties": {"Size": 10}
					}
				}
			}`,
			expectAllow:      false,
			expectViolations: []string{"Volume 'V' must be encrypted"},
		},
		{
			name: "Volume without properties",
			template: `{
				"Resources": {
					"V": {"Type": "AWS::EC2::Volume"}
				}
			}`,
			expectAllow:      false,
			expectViolations: []string{"Volume 'V' must be encrypted"},
		},
		{
			name: "Disallowed resource type",
			template: `{
				"Resources": {
					"Function": {"Type": "AWS::Lambda::Function"}
				}
			}`,
			expectAllow:      false,
			expectViolations: []string{"Resource type 'AWS::Lambda::Function' is not allowed"},
		},
		{
			name: "Resource without type",
			template: `{
				"Resources": {
					"Mystery": {"Properties": {}}
				}
			}`,
			expectAllow:      false,
			expectViolations: []string{"Resource 'Mystery' has no Type"},
		},
		{
			name: "Multiple violations are sorted",
			template: `{
				"Resources": {
					"Volume": {"Type": "AWS::EC2::Volume", "Properties": {"Encrypted": false}},
					"Bucket": {"Type": "AWS::S3::Bucket"}
				}
			}`,
			expectAllow: false,
			expectViolations: []string{
				"Resource type 'AWS::S3::Bucket' is not allowed",
				"Volume 'Volume' must be encrypted",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var template map[string]any
			if err := json.Unmarshal([]byte(tt.template), &template); err != nil {
				t.Fatalf("Failed to parse template: %v", err)
			}

			result, err := validator.Validate(context.Background(), template)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}

			if result.Allowed != tt.expectAllow {
				t.Errorf("Allowed = %v, want %v (violations: %v)", result.Allowed, tt.expectAllow, result.Violations)
			}

			if len(tt.expectViolations) == 0 {
				if len(result.Violations) != 0 {
					t.Errorf("unexpected violations: %v", result.Violations)
				}
				return
			}

			if len(result.Violations) != len(tt.expectViolations) {
				t.Fatalf("Violations = %v, want %v", result.Violations, tt.expectViolations)
			}
			for i, want := range tt.expectViolations {
				if result.Violations[i] != want {
					t.Errorf("Violations[%d] = %q, want %q", i, result.Violations[i], want)
				}
			}
		})
	}
}

func TestValidator_ValidateTemplate_YAML(t *testing.T) {
	validator := newTestValidator(t)

	template := []byte(`Resources:
  HelperInstance:
    Type: AWS::EC2::Instance
    Properties:
      SubnetId: !Ref SubnetId
      SecurityGroupIds:
        - !GetAtt HelperSecurityGroup.GroupId
`)

	result, err := validator.ValidateTemplate(context.Background(), template)
	if err != nil {
		t.Fatalf("ValidateTemplate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected template to be allowed, got violations %v", result.Violations)
	}

	if _, err := validator.ValidateTemplate(context.Background(), []byte("Resources: [")); err == nil {
		t.Error("expected parse error")
	}
}
