package model

// Notification types and property keys read by the status subscriber.
const (
	NotificationProgramStatus = "PROGRAM_STATUS"

	PropProgramStatus   = "programStatus"
	PropProgramRunID    = "programRunId"
	PropUserOverrides   = "userOverrides"
	PropSystemOverrides = "systemOverrides"
	PropProgramError    = "programError"
)

// Notification is one entry of the notification log.
type Notification struct {
	ID         string            `json:"-"`
	Type       string            `json:"notificationType"`
	Properties map[string]string `json:"properties"`
}

// Property returns the named property and whether it was present.
func (n Notification) Property(key string) (string, bool) {
	if n.Properties == nil {
		return "", false
	}
	v, ok := n.Properties[key]
	return v, ok
}
