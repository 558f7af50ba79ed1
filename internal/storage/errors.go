package storage

import "strings"

// Message IDs for upload failures, resolved through the i18n bundle.
const (
	MsgJWTExpired    = "UploadJWTExpired"
	MsgDuplicate     = "UploadDuplicate"
	MsgBucketMissing = "UploadBucketMissing"
	MsgPermission    = "UploadPermission"
)

var knownErrors = []struct {
	substrings []string
	msgID      string
}{
	{[]string{"jwt expired", "token is expired", "expiredtoken"}, MsgJWTExpired},
	{[]string{"duplicate", "already exists", "resource already exists"}, MsgDuplicate},
	{[]string{"bucket not found", "nosuchbucket", "bucket does not exist"}, MsgBucketMissing},
	{[]string{"permission", "access denied", "accessdenied", "forbidden", "row-level security"}, MsgPermission},
}

// TranslateError maps a backend upload error to an i18n message ID.
// The second return is false when the error is not recognized and the raw
// message should be shown instead.
func TranslateError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := strings.ToLower(err.Error())
	for _, k := range knownErrors {
		for _, sub := range k.substrings {
			if strings.Contains(msg, sub) {
				return k.msgID, true
			}
		}
	}
	return "", false
}
