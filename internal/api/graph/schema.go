package graph

// schemaString 只读查询接口，金额均为十进制整数字符串
const schemaString = `
type Event {
  eventId: ID!
  name: String!
  description: String!
  organizer: String!
  startTime: String!
  endTime: String!
  isActive: Boolean!
  totalTicketsSold: Int!
  revenue: String!
  category: String!
  bannerImage: String!
  transactionHash: String!
  createdAt: String
  ticketTypes: [TicketType!]!
}

type TicketType {
  tokenId: ID!
  eventId: ID!
  name: String!
  price: String!
  maxSupply: Int!
  currentSupply: Int!
  remainingSupply: Int!
  # price * currentSupply
  revenue: String!
  startSaleTime: String!
  endSaleTime: String!
  isActive: Boolean!
  transactionHash: String!
}

type Ticket {
  id: ID!
  eventId: ID!
  ticketTypeId: ID!
  owner: String!
  ticketTypeName: String!
  price: String!
  transactionHash: String!
  isUsed: Boolean!
  checkedInAt: String
  checkedInBy: String
}

type Transaction {
  transactionHash: String!
  type: String!
  from: String!
  to: String!
  eventId: ID!
  ticketTypeId: ID!
  tokenId: String!
  amount: String!
  quantity: Int!
  status: String!
  blockNumber: String!
}

type EventPage {
  items: [Event!]!
  total: Int!
}

type TicketPage {
  items: [Ticket!]!
  total: Int!
}

type Verification {
  valid: Boolean!
  reason: String
  balance: Int!
  ticket: Ticket!
}

type Query {
  event(eventId: ID!): Event
  events(organizer: String, category: String, activeOnly: Boolean, page: Int, limit: Int): EventPage!

  # fresh 为 true 时 currentSupply 取缓存或账本中的最新值
  ticketType(tokenId: ID!, fresh: Boolean): TicketType
  ticketTypes(eventId: ID): [TicketType!]!

  ticket(id: ID!): Ticket
  tickets(owner: String, eventId: ID, ticketTypeId: ID, page: Int, limit: Int): TicketPage!

  transaction(hash: String!): Transaction

  # 校验门票归属与链上余额
  verifyTicket(id: ID!, owner: String): Verification!
}

type Mutation {
  # 从账本刷新票种供应量
  refreshSupply(tokenId: ID!): TicketType!
}

schema {
  query: Query
  mutation: Mutation
}
`
