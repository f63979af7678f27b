package errs

const (
	ServerInternalError = 500
	ConflictError       = 509

	InvalidArgumentError = 1001
	RateLimitedError     = 1002

	UnauthorizedError = 1101
	TokenInvalidError = 1102
	TokenExpiredError = 1103
	TokenMissingError = 1104

	ForbiddenError      = 1201
	NotParticipantError = 1202
	NotAdminError       = 1203
	NotSenderError      = 1204
	EditWindowError     = 1205

	NotFoundError             = 1301
	ConversationNotFoundError = 1302
	MessageNotFoundError      = 1303

	InvariantViolationError = 1401
	DirectImmutableError    = 1402
	LastAdminError          = 1403
	EmptyMessageError       = 1404

	ChannelDeliveryFailureError = 1501
)

var (
	ErrInternal        = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrConflict        = NewCodeError(ConflictError, "Conflict")
	ErrInvalidArgument = NewCodeError(InvalidArgumentError, "InvalidArgument")
	ErrRateLimited     = NewCodeError(RateLimitedError, "RateLimited")

	ErrUnauthorized = NewCodeError(UnauthorizedError, "Unauthorized")
	ErrTokenInvalid = NewCodeError(TokenInvalidError, "TokenInvalid")
	ErrTokenExpired = NewCodeError(TokenExpiredError, "TokenExpired")
	ErrTokenMissing = NewCodeError(TokenMissingError, "TokenMissing")

	ErrForbidden      = NewCodeError(ForbiddenError, "Forbidden")
	ErrNotParticipant = NewCodeError(NotParticipantError, "NotParticipant")
	ErrNotAdmin       = NewCodeError(NotAdminError, "NotAdmin")
	ErrNotSender      = NewCodeError(NotSenderError, "NotSender")
	ErrEditWindow     = NewCodeError(EditWindowError, "EditWindowExpired")

	ErrNotFound             = NewCodeError(NotFoundError, "NotFound")
	ErrConversationNotFound = NewCodeError(ConversationNotFoundError, "ConversationNotFound")
	ErrMessageNotFound      = NewCodeError(MessageNotFoundError, "MessageNotFound")

	ErrInvariantViolation = NewCodeError(InvariantViolationError, "InvariantViolation")
	ErrDirectImmutable    = NewCodeError(DirectImmutableError, "DirectConversationImmutable")
	ErrLastAdmin          = NewCodeError(LastAdminError, "LastAdmin")
	ErrEmptyMessage       = NewCodeError(EmptyMessageError, "EmptyMessage")

	ErrChannelDeliveryFailure = NewCodeError(ChannelDeliveryFailureError, "ChannelDeliveryFailure")
)

func init() {
	_ = DefaultCodeRelation.Add(UnauthorizedError, TokenInvalidError, TokenExpiredError, TokenMissingError)
	_ = DefaultCodeRelation.Add(ForbiddenError, NotParticipantError)
	_ = DefaultCodeRelation.Add(ForbiddenError, NotAdminError)
	_ = DefaultCodeRelation.Add(ForbiddenError, NotSenderError)
	_ = DefaultCodeRelation.Add(ForbiddenError, EditWindowError)
	_ = DefaultCodeRelation.Add(NotFoundError, ConversationNotFoundError)
	_ = DefaultCodeRelation.Add(NotFoundError, MessageNotFoundError)
	_ = DefaultCodeRelation.Add(InvariantViolationError, DirectImmutableError)
	_ = DefaultCodeRelation.Add(InvariantViolationError, LastAdminError)
	_ = DefaultCodeRelation.Add(InvariantViolationError, EmptyMessageError)
}
