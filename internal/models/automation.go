package models

// SelectAutomatically asks the baseline volume step to pick the newest backup
// AMI of the instance, falling back to the AMI the instance was launched from.
const SelectAutomatically = "SelectAutomatically"

// BackupImagePrefix prefixes the name of every AMI created by the backup document
const BackupImagePrefix = "BackupOutpostsServerInstance-"

// CheckConcurrencyInput is passed by the automation step guarding against
// overlapping executions.
type CheckConcurrencyInput struct {
	ExecutionID string `json:"ExecutionId"` // {{automation:EXECUTION_ID}}
}

type CheckConcurrencyOutput struct {
	InstanceID string `json:"instance_id"`
	Checked    bool   `json:"checked"`
	Message    string `json:"message"`
}

// BaselineVolumeInput mirrors the parameters of the automation step creating
// the baseline volume.
type BaselineVolumeInput struct {
	InstanceID      string  `json:"InstanceId"`
	AmiID           string  `json:"AmiId"`
	InstanceType    string  `json:"InstanceType"`
	SubnetID        string  `json:"SubnetId"`
	VolumeAZ        string  `json:"VolumeAZ"`
	SecurityGroupID string  `json:"SecurityGroupId"`
	VolumeSize      float64 `json:"VolumeSize"` // GB
	DeviceMapping   string  `json:"DeviceMapping"`
	ExecutionID     string  `json:"ExecutionId"` // {{automation:EXECUTION_ID}}
}

// BaselineVolumeOutput keys are referenced by later steps of the document
type BaselineVolumeOutput struct {
	BaselineVolumeID string `json:"baselineVolumeId"`
	BaselineAmiID    string `json:"baselineAmiId"`
	VolumeSizeGiB    int32  `json:"volumeSizeGiB"`
}
