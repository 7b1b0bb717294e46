package realtime

const (
	watchTopicPrefix = "watching:"
	postTopicPrefix  = "post:"
)

// WatchTopic is the topic joined by connections watching userID.
func WatchTopic(userID string) string {
	return watchTopicPrefix + userID
}

// PostTopic is the topic joined by connections viewing postID.
func PostTopic(postID string) string {
	return postTopicPrefix + postID
}
