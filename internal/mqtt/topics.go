package mqtt

import "fmt"

func TopicIntentEvent(prefix, intentName, kind string) string {
	return fmt.Sprintf("%s/intent/%s/%s", prefix, intentName, kind)
}

func TopicInput(prefix string) string {
	return fmt.Sprintf("%s/input/set", prefix)
}

func TopicSubmit(prefix string) string {
	return fmt.Sprintf("%s/input/submit/+", prefix)
}

func TopicSubmitResult(prefix, requestID string) string {
	return fmt.Sprintf("%s/input/result/%s", prefix, requestID)
}
